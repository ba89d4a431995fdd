package dload

import "github.com/alpmfetch/alpmfetch/internal/payload"

// Result is the outcome of a completed transfer attempt.
type Result int

const (
	// ResultDownloaded means the payload was downloaded and published:
	// a full or resumed (HTTP 206) body, or a resumed ".part" already at
	// MaxSize, published without a request.
	ResultDownloaded Result = 0
	// ResultUpToDate means a conditional GET reported the local copy is
	// current (HTTP 304, or equivalent "condition unmet").
	ResultUpToDate Result = 1
	// ResultFailed means the transfer did not complete successfully.
	ResultFailed Result = -1
)

// EventSink receives the Init/Progress/Completed callbacks emitted per
// payload. Session calls these on the caller's goroutine. Scheduler
// calls them from one goroutine per payload, serialized through a
// mutex, so an implementation is never called concurrently; events of
// different payloads may interleave.
//
// A payload with Signature set must never reach any of these three
// methods; callers (Session, Scheduler) filter signature payloads out
// before invoking the sink.
type EventSink interface {
	// Init fires once, at admission, before any bytes are transferred.
	Init(p *payload.Payload, optional bool)

	// Progress fires on each non-duplicate progress tick. total and
	// downloaded are the in-window transport-reported values; they do
	// not include InitialSize.
	Progress(p *payload.Payload, total, downloaded int64)

	// Completed fires exactly once, at the end of a payload's lifetime
	// (after all mirror failover is exhausted), with total set to the
	// payload's PrevProgress: after a completed body copy, InitialSize
	// plus the bytes received in the attempt that produced result.
	Completed(p *payload.Payload, total int64, result Result)
}

// NopSink is an EventSink that discards every event. It is the default
// when a caller supplies none.
type NopSink struct{}

func (NopSink) Init(*payload.Payload, bool)               {}
func (NopSink) Progress(*payload.Payload, int64, int64)   {}
func (NopSink) Completed(*payload.Payload, int64, Result) {}

// emitInit invokes sink.Init unless p is a signature payload.
func emitInit(sink EventSink, p *payload.Payload, optional bool) {
	if p.Signature {
		return
	}
	sink.Init(p, optional)
}

// emitProgress invokes sink.Progress unless p is a signature payload.
func emitProgress(sink EventSink, p *payload.Payload, total, downloaded int64) {
	if p.Signature {
		return
	}
	sink.Progress(p, total, downloaded)
}

// emitCompleted invokes sink.Completed unless p is a signature payload.
func emitCompleted(sink EventSink, p *payload.Payload, total int64, result Result) {
	if p.Signature {
		return
	}
	sink.Completed(p, total, result)
}
