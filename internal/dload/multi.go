package dload

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cockroachdb/errors"

	"github.com/alpmfetch/alpmfetch/internal/payload"
	"github.com/alpmfetch/alpmfetch/internal/tempfile"
)

// Scheduler is the multi-transfer driver: it admits up to
// ParallelDownloads payloads at a time, running each to completion
// (including its own mirror failover) and reaping results as they
// finish. Unlike a single-threaded curl-multi-style reactor,
// each admitted payload runs in its own goroutine, bounded by a
// weighted semaphore sized to ParallelDownloads; event delivery is
// serialized through a mutex so EventSink is never called
// concurrently. Each payload's own events keep the
// Init->Progress*->Completed order; events of different payloads may
// interleave.
type Scheduler struct {
	session *Session
	cfg     Config
	sink    EventSink
	mu      sync.Mutex
}

// NewScheduler constructs a Scheduler over an already-configured
// Session, whose HTTP client and Config every payload's attempts reuse.
func NewScheduler(session *Session, cfg Config, sink EventSink) *Scheduler {
	if sink == nil {
		sink = NopSink{}
	}
	return &Scheduler{session: session, cfg: cfg, sink: sink}
}

// serializedSink wraps the Scheduler's sink with its mutex so concurrent
// payload goroutines never interleave calls into it.
type serializedSink struct {
	sched *Scheduler
}

func (s serializedSink) Init(p *payload.Payload, optional bool) {
	s.sched.mu.Lock()
	defer s.sched.mu.Unlock()
	s.sched.sink.Init(p, optional)
}

func (s serializedSink) Progress(p *payload.Payload, total, downloaded int64) {
	s.sched.mu.Lock()
	defer s.sched.mu.Unlock()
	s.sched.sink.Progress(p, total, downloaded)
}

func (s serializedSink) Completed(p *payload.Payload, total int64, result Result) {
	s.sched.mu.Lock()
	defer s.sched.mu.Unlock()
	s.sched.sink.Completed(p, total, result)
}

// outcome is the finished-download procedure's five-valued verdict:
// 0 success, 1 up-to-date, 2 retried, -1 required failure, -2 optional
// failure. runPayload performs mirror failover in its own loop, so it
// never returns outcomeRetried; it returns one of the other four.
type outcome int

const (
	outcomeSucceeded    outcome = 0
	outcomeUpToDate     outcome = 1
	outcomeRetried      outcome = 2
	outcomeRequiredFail outcome = -1
	outcomeOptionalFail outcome = -2
)

// RunAll admits payloads up to cfg.ParallelDownloads at a time and runs
// each to completion, including per-payload mirror failover. It
// returns nil if every required (non-ErrorsOK) payload succeeded or was
// up-to-date, and a non-nil error otherwise. Once any required payload
// fails fatally, RunAll stops admitting further payloads but continues
// reaping the ones already in flight.
func (sch *Scheduler) RunAll(ctx context.Context, payloads []*payload.Payload, localpath string) error {
	sink := serializedSink{sched: sch}

	sem := semaphore.NewWeighted(int64(maxInt(1, sch.cfg.ParallelDownloads)))

	// A plain errgroup.Group (not WithContext) is deliberate: its
	// derived context would cancel every in-flight goroutine as soon as
	// one returns an error, which would abort payloads already
	// downloading instead of letting them finish reaping. We only want
	// errgroup's goroutine bookkeeping and first-error capture.
	var g errgroup.Group

	var (
		mu        sync.Mutex
		admitting = true
	)

	for _, p := range payloads {
		p := p

		mu.Lock()
		stillAdmitting := admitting
		mu.Unlock()
		if !stillAdmitting {
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting to admit: stop admitting,
			// let in-flight payloads finish reaping.
			mu.Lock()
			admitting = false
			mu.Unlock()
			break
		}

		// A required failure may have landed while this payload waited
		// on the semaphore; re-check before launching it so "stop
		// admitting" takes effect the moment it is set, not just before
		// the next payload starts waiting.
		mu.Lock()
		stillAdmitting = admitting
		mu.Unlock()
		if !stillAdmitting {
			sem.Release(1)
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			oc, err := sch.runPayload(ctx, p, localpath, sink)
			if oc == outcomeRequiredFail {
				mu.Lock()
				admitting = false
				mu.Unlock()
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errors.Mark(ctx.Err(), ErrInterrupted)
	}
	return nil
}

// runPayload drives one payload through admission, its full
// mirror-failover attempt loop, and its terminal event, returning the
// finished-download outcome.
func (sch *Scheduler) runPayload(ctx context.Context, p *payload.Payload, localpath string, sink EventSink) (outcome, error) {
	if err := PrepareAttempt(localpath, p); err != nil {
		emitCompleted(sink, p, 0, ResultFailed)
		if p.ErrorsOK {
			logOptionalFailure(p, err)
			return outcomeOptionalFail, nil
		}
		logFailure(p, err)
		return outcomeRequiredFail, err
	}

	emitInit(sink, p, p.ErrorsOK)

	session := &Session{client: sch.session.client, cfg: sch.session.cfg, sink: sink}

	for {
		result, err := session.Attempt(ctx, p)
		if err == nil {
			emitCompleted(sink, p, int64(p.PrevProgress), result)
			if result == ResultUpToDate {
				return outcomeUpToDate, nil
			}
			return outcomeSucceeded, nil
		}

		if isMirrorRetryable(err) && p.HasNextServer() {
			if retryErr := retryNextServer(p); retryErr == nil {
				continue
			}
			// Could not even retarget onto the next server; fall through
			// to the ordinary failure path below.
		}

		cleanupAfterFailure(p, err)
		emitCompleted(sink, p, int64(p.PrevProgress), ResultFailed)

		if errors.Is(err, ErrInterrupted) {
			logFailure(p, err)
			return outcomeRequiredFail, err
		}
		if p.ErrorsOK {
			logOptionalFailure(p, err)
			return outcomeOptionalFail, nil
		}
		logFailure(p, err)
		return outcomeRequiredFail, err
	}
}

// isMirrorRetryable reports whether err belongs to one of the
// categories that promote to "try the next mirror" instead of a
// terminal failure: HTTP >= 400 (ErrRetrieve), unresolved host
// (ErrServerBadURL), or any other plain transport failure
// (ErrTransport). Interrupts and the max-size ceiling are never
// retried.
func isMirrorRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrRetrieve):
		return true
	case errors.Is(err, ErrServerBadURL):
		return true
	case errors.Is(err, ErrTransport):
		return true
	default:
		return false
	}
}

// retryNextServer advances p to its next mirror, truncating and
// rewinding the temp file when UnlinkOnFail is set, and rebuilds
// FileURL for the new attempt.
func retryNextServer(p *payload.Payload) error {
	if err := p.AdvanceServer(); err != nil {
		return err
	}
	if p.UnlinkOnFail {
		promoted, err := tempfile.TruncateForRetry(p)
		if err != nil {
			return err
		}
		p.ResetForRetry(promoted)
	}
	server, err := p.CurrentServer()
	if err != nil {
		return err
	}
	p.FileURL = server + p.FilePath
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
