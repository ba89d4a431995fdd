// Package payload defines the per-file state record that flows through
// the download engine: one Payload per (file, attempt).
package payload

import (
	"os"

	"github.com/cockroachdb/errors"
)

// OpenMode selects how the temp file backing an attempt is opened.
type OpenMode int

const (
	// OpenWriteTruncate opens (or creates) the temp file fresh, discarding
	// any bytes already on disk.
	OpenWriteTruncate OpenMode = iota
	// OpenAppend opens the temp file for append, used when resuming from
	// an existing .part.
	OpenAppend
)

// Request holds the attributes of a download that are fixed for the
// lifetime of a payload and survive mirror failover and retry.
type Request struct {
	// FilePath is the server-relative path, reused across mirror failover.
	FilePath string

	// Servers is the ordered sequence of mirror base URLs. The current
	// attempt always uses Servers[ServerIndex].
	Servers []string

	// RemoteName is the short name used in events and local-name
	// derivation; may be overwritten by Content-Disposition or the
	// effective-URL tail when TrustRemoteName is set.
	RemoteName string

	// MaxSize is the upper bound on total downloaded bytes. Zero means
	// no cap.
	MaxSize uint64

	// AllowResume, when true, resumes from the .part file's size.
	AllowResume bool

	// Force, when true, bypasses If-Modified-Since even when the local
	// target already exists.
	Force bool

	// ErrorsOK, when true, demotes transport failures to "optional":
	// no error is surfaced to the caller.
	ErrorsOK bool

	// TrustRemoteName, when true, allows the final file to be renamed
	// based on server-provided hints (Content-Disposition or effective
	// URL tail).
	TrustRemoteName bool

	// Signature, when true, marks this payload as a detached-signature
	// companion download: Init/Progress/Completed events are suppressed
	// for it.
	Signature bool

	// UnlinkOnFail, when true, deletes the temp file on non-success or
	// interrupt rather than leaving it for a future resume.
	UnlinkOnFail bool
}

// Attempt holds the mutable state of one in-flight transfer attempt.
// ResetForRetry clears exactly this struct (preserving destination
// naming) when a payload fails over to the next mirror.
type Attempt struct {
	// FileURL is the fully-qualified URL for this attempt: the head of
	// Servers combined with FilePath.
	FileURL string

	// ServerIndex is the index into Request.Servers the current attempt
	// is using.
	ServerIndex int

	// TempfileName is the absolute path of the in-progress file.
	TempfileName string

	// DestfileName is the absolute path of the final file; empty for
	// tempfile-only transfers.
	DestfileName string

	// ContentDispName is the filename parsed from Content-Disposition,
	// if any. It overrides RemoteName when TrustRemoteName is set.
	ContentDispName string

	// RespCode is the last observed HTTP response code for this attempt.
	RespCode int

	// InitialSize is the number of bytes already present on disk when
	// this attempt began (for resume accounting).
	InitialSize uint64

	// PrevProgress is the cumulative value DedupProgress last recorded
	// (InitialSize plus the reported total), used to suppress duplicate
	// Progress events. A completed body copy sets it to InitialSize plus
	// the bytes received.
	PrevProgress uint64

	// OpenMode records how TempfileName was opened for this attempt.
	OpenMode OpenMode
}

// Payload is one instance per (file, attempt): the unit of work passed
// into the single- and multi-transfer drivers.
type Payload struct {
	Request
	Attempt

	// localf is the open handle to TempfileName for the current attempt.
	localf *os.File
}

// New constructs a Payload from a Request. The zero Attempt is
// appropriate for a fresh first attempt.
func New(req Request) *Payload {
	return &Payload{Request: req}
}

// File returns the open handle to the current temp file, or nil if none
// is open.
func (p *Payload) File() *os.File {
	return p.localf
}

// SetFile installs the open handle to the current temp file.
func (p *Payload) SetFile(f *os.File) {
	p.localf = f
}

// CloseFile closes and clears the temp file handle, if any.
func (p *Payload) CloseFile() error {
	if p.localf == nil {
		return nil
	}
	err := p.localf.Close()
	p.localf = nil
	return err
}

// CurrentServer returns the mirror base URL the current attempt is
// using.
func (p *Payload) CurrentServer() (string, error) {
	if p.ServerIndex < 0 || p.ServerIndex >= len(p.Servers) {
		return "", errors.New("payload: server index out of range")
	}
	return p.Servers[p.ServerIndex], nil
}

// HasNextServer reports whether AdvanceServer would succeed.
func (p *Payload) HasNextServer() bool {
	return p.ServerIndex+1 < len(p.Servers)
}

// AdvanceServer moves to the next mirror in Servers, for failover. It
// returns an error if no further mirror is available.
func (p *Payload) AdvanceServer() error {
	if !p.HasNextServer() {
		return errors.New("payload: no further mirror server")
	}
	p.ServerIndex++
	return nil
}

// ResetForRetry clears per-URL attempt state while preserving
// destination-naming state (TempfileName, DestfileName), promoting any
// partial progress already on disk into InitialSize so the next attempt
// resumes as if it were fresh.
//
// promotedSize is the number of bytes already present in TempfileName
// after truncation decisions have been applied by the caller (the
// temp-file manager); it becomes the new InitialSize.
func (p *Payload) ResetForRetry(promotedSize uint64) {
	tempfileName := p.TempfileName
	destfileName := p.DestfileName

	p.Attempt = Attempt{
		TempfileName: tempfileName,
		DestfileName: destfileName,
		InitialSize:  promotedSize,
		ServerIndex:  p.ServerIndex,
	}
}

// Reset clears all owned state so the payload may be disposed or
// reused. Callers must CloseFile before calling Reset if a file handle
// is still open.
func (p *Payload) Reset() {
	*p = Payload{}
}

// DedupProgress reports whether a progress value is a duplicate of the
// last one reported, and if not, records it as the new high-water mark.
// The compared quantity is InitialSize+total (cumulative bytes
// considering resume), not the in-window downloaded count.
func (p *Payload) DedupProgress(total int64) bool {
	cumulative := p.InitialSize + uint64(total)
	if cumulative == p.PrevProgress {
		return true
	}
	p.PrevProgress = cumulative
	return false
}
