package dload

import "github.com/cockroachdb/errors"

// Sentinel error kinds, covering connection, retrieval, and local-I/O
// failures. Each is wrapped with context at the point it is raised;
// errors.Is (cockroachdb/errors, which understands arbitrarily deep
// wrapping) recovers the original kind.
//
// An allocation-failure kind is deliberately not modeled: allocation
// failure in Go is not a recoverable error value. See DESIGN.md.
var (
	// ErrServerNone is returned when a payload's Servers list is empty
	// at admission time.
	ErrServerNone = errors.New("dload: payload has no servers")

	// ErrServerBadURL is returned when URL composition or host
	// resolution fails for the current attempt.
	ErrServerBadURL = errors.New("dload: bad server URL")

	// ErrRetrieve is returned for an HTTP response >= 400, or when
	// downloaded bytes disagree with the server-advertised remaining
	// size.
	ErrRetrieve = errors.New("dload: retrieve failed")

	// ErrTransport wraps any other transport-level failure (connection
	// refused, TLS failure, timeout, etc).
	ErrTransport = errors.New("dload: transport error")

	// ErrSystem wraps local I/O failures: truncate, rename, open.
	ErrSystem = errors.New("dload: local I/O error")

	// ErrExternalDownload is returned when the external fetch-callback
	// fallback fails on every configured mirror for a required payload.
	ErrExternalDownload = errors.New("dload: external fetch failed on all mirrors")

	// ErrOverMaxFileSize is returned when a payload's MaxSize ceiling is
	// exceeded mid-transfer.
	ErrOverMaxFileSize = errors.New("dload: expected download size exceeded")

	// ErrInterrupted is returned when the caller's context is cancelled
	// mid-transfer. It is never demoted by ErrorsOK.
	ErrInterrupted = errors.New("dload: download interrupted")
)
