// Package dload implements the single- and multi-transfer download
// drivers: the per-payload state machine that drives one attempt to
// completion (this file), and the bounded-parallel scheduler that runs
// many payloads with mirror failover (multi.go).
package dload

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/alpmfetch/alpmfetch/internal/payload"
	"github.com/alpmfetch/alpmfetch/internal/tempfile"
	"github.com/alpmfetch/alpmfetch/internal/transport"
	"github.com/alpmfetch/alpmfetch/internal/urlutil"
)

// Config carries the handle-level settings the drivers need on every
// attempt: the local cache directory, the configured parallelism (used
// by Scheduler, not Session), and the timeout/user-agent knobs.
type Config struct {
	CacheDir          string
	UserAgent         string
	DisableDLTimeout  bool
	LowSpeedLimit     int64
	LowSpeedWindow    time.Duration
	ParallelDownloads int
}

// DefaultConfig returns the engine's defaults: a 1 B/s floor
// sustained over 10s, one download at a time.
func DefaultConfig(cacheDir string) Config {
	return Config{
		CacheDir:          cacheDir,
		LowSpeedLimit:     1,
		LowSpeedWindow:    10 * time.Second,
		ParallelDownloads: 1,
	}
}

// Session is the single-transfer driver: it runs one payload, across
// however many mirror-failover attempts its caller drives, to
// completion.
type Session struct {
	client *http.Client
	cfg    Config
	sink   EventSink
}

// NewSession constructs a Session over an already-configured HTTP
// client (see transport.NewClient).
func NewSession(client *http.Client, cfg Config, sink EventSink) *Session {
	if sink == nil {
		sink = NopSink{}
	}
	return &Session{client: client, cfg: cfg, sink: sink}
}

// Download runs p's current attempt (Servers[ServerIndex]) to
// completion: preparing the temp file, issuing the conditional/resume
// GET, streaming the body with progress and max-size enforcement, and
// publishing the result. It does not perform mirror failover; that is
// Scheduler's job (and the caller's, for hand-rolled single-payload
// retry loops).
func (s *Session) Download(ctx context.Context, p *payload.Payload, localpath string) (Result, error) {
	if err := PrepareAttempt(localpath, p); err != nil {
		return ResultFailed, err
	}

	emitInit(s.sink, p, p.ErrorsOK)

	result, err := s.Attempt(ctx, p)
	if err != nil {
		cleanupAfterFailure(p, err)
		emitCompleted(s.sink, p, int64(p.PrevProgress), ResultFailed)
		if p.ErrorsOK && !errors.Is(err, ErrInterrupted) {
			logOptionalFailure(p, err)
			return ResultFailed, nil
		}
		logFailure(p, err)
		return ResultFailed, err
	}

	emitCompleted(s.sink, p, int64(p.PrevProgress), result)
	return result, nil
}

// PrepareAttempt resolves p's current mirror into FileURL and opens its
// temp file. It is exported so Scheduler can drive the same admission
// step Download uses, without going through Download's single-attempt
// (no-failover) event lifecycle.
func PrepareAttempt(localpath string, p *payload.Payload) error {
	if len(p.Servers) == 0 {
		return errors.Mark(errors.New("dload: payload has no servers"), ErrServerNone)
	}
	server, err := p.CurrentServer()
	if err != nil {
		return errors.Mark(err, ErrServerBadURL)
	}
	if p.FilePath == "" {
		return errors.Mark(errors.New("dload: payload has no file path"), ErrServerBadURL)
	}

	p.FileURL = server + p.FilePath
	if p.RemoteName == "" {
		p.RemoteName = urlutil.FilenameFromURL(p.FilePath)
	}

	if err := tempfile.Prepare(localpath, p); err != nil {
		return errors.Mark(errors.Wrap(err, "dload: prepare temp file"), ErrSystem)
	}
	return nil
}

// Attempt runs one HTTP round-trip for p's current mirror
// (Servers[ServerIndex]) and returns its outcome. It performs no mirror
// failover; Scheduler.RunAll supplies that by calling Attempt again
// after retargeting p at the next server.
func (s *Session) Attempt(ctx context.Context, p *payload.Payload) (Result, error) {
	if p.AllowResume && p.MaxSize > 0 && p.InitialSize >= p.MaxSize {
		return s.finishAtCap(p)
	}

	opts := transport.RequestOptions{UserAgent: s.cfg.UserAgent}

	switch {
	case !p.AllowResume && !p.Force && fileExists(p.DestfileName):
		if mt, err := modTime(p.DestfileName); err == nil {
			opts.IfModifiedSince = mt
		}
	case p.AllowResume && p.InitialSize > 0:
		opts.RangeStart = int64(p.InitialSize)
	}

	slog.Debug("download attempt", "url", p.FileURL, "timecond", opts.IfModifiedSince,
		"openmode", p.OpenMode, "maxsize", p.MaxSize)

	req, err := transport.NewRequest(ctx, p.FileURL, opts)
	if err != nil {
		return ResultFailed, errors.Mark(err, ErrServerBadURL)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ResultFailed, errors.Mark(err, ErrInterrupted)
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return ResultFailed, errors.Mark(errors.Wrap(err, "dload: resolve host"), ErrServerBadURL)
		}
		return ResultFailed, errors.Mark(err, ErrTransport)
	}
	defer resp.Body.Close()

	p.RespCode = resp.StatusCode
	if disp := resp.Header.Get("Content-Disposition"); disp != "" {
		if name := transport.ContentDispositionFilename(disp); name != "" {
			p.ContentDispName = name
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return s.finishUpToDate(p)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// Redirect body the transport's own redirect-following gave up
		// on; no progress is emitted for it, and it is not content.
		return ResultFailed, errors.Mark(errors.Newf("dload: unexpected redirect response %d", resp.StatusCode), ErrRetrieve)
	case resp.StatusCode >= 400:
		return ResultFailed, errors.Mark(errors.Newf("dload: HTTP %d", resp.StatusCode), ErrRetrieve)
	}

	return s.finishDownload(ctx, p, resp)
}

func (s *Session) finishUpToDate(p *payload.Payload) (Result, error) {
	if err := tempfile.Discard(p); err != nil {
		return ResultFailed, errors.Mark(err, ErrSystem)
	}
	return ResultUpToDate, nil
}

// finishAtCap handles a resumed ".part" already sitting at MaxSize: the
// capped content is taken as complete and published without issuing a
// request.
func (s *Session) finishAtCap(p *payload.Payload) (Result, error) {
	if err := tempfile.Publish(s.cfg.CacheDir, p, p.FileURL, p.TrustRemoteName); err != nil {
		return ResultFailed, errors.Mark(err, ErrSystem)
	}
	return ResultDownloaded, nil
}

func (s *Session) finishDownload(ctx context.Context, p *payload.Payload, resp *http.Response) (Result, error) {
	dltotal := resp.ContentLength

	low := transport.LowSpeedConfig{}
	if !s.cfg.DisableDLTimeout {
		low = transport.LowSpeedConfig{Limit: s.cfg.LowSpeedLimit, Window: s.cfg.LowSpeedWindow}
	}

	onProgress := func(dlnow, total int64) error {
		if err := ctx.Err(); err != nil {
			return errors.Mark(err, ErrInterrupted)
		}
		if dlnow < 0 || total <= 0 || dlnow > total {
			// Between phases (headers read but body length not yet
			// known, or a chunked transfer with no Content-Length): no
			// progress is reportable yet.
			return nil
		}
		if p.MaxSize > 0 && p.InitialSize+uint64(dlnow) > p.MaxSize {
			return ErrOverMaxFileSize
		}
		if p.DedupProgress(total) {
			return nil
		}
		emitProgress(s.sink, p, total, dlnow)
		return nil
	}

	downloaded, err := transport.CopyWithProgress(p.File(), resp.Body, dltotal, low, onProgress)
	if err != nil {
		if errors.Is(err, ErrOverMaxFileSize) {
			return ResultFailed, err
		}
		if errors.Is(err, ErrInterrupted) {
			return ResultFailed, err
		}
		return ResultFailed, errors.Mark(errors.Wrap(err, "dload: copy body"), ErrTransport)
	}

	if dltotal > 0 && downloaded != dltotal {
		return ResultFailed, errors.Mark(
			errors.Newf("dload: truncated transfer: got %d bytes, expected %d", downloaded, dltotal),
			ErrRetrieve,
		)
	}
	p.PrevProgress = p.InitialSize + uint64(downloaded)

	if err := p.File().Sync(); err != nil {
		return ResultFailed, errors.Mark(errors.Wrap(err, "dload: sync temp file"), ErrSystem)
	}

	effectiveURL := p.FileURL
	if resp.Request != nil && resp.Request.URL != nil {
		effectiveURL = resp.Request.URL.String()
	}

	if ft, ok := filetime(resp); ok {
		_ = os.Chtimes(p.File().Name(), ft, ft)
	}

	if err := tempfile.Publish(s.cfg.CacheDir, p, effectiveURL, p.TrustRemoteName); err != nil {
		return ResultFailed, errors.Mark(err, ErrSystem)
	}

	return ResultDownloaded, nil
}

// cleanupAfterFailure implements the transport-error-mapping unlink
// rule shared by Session and Scheduler: OverMaxFileSize, ServerBadUrl
// and Retrieve failures unlink unconditionally when UnlinkOnFail is
// set; a generic transport failure only unlinks if nothing was written
// to the temp file yet.
func cleanupAfterFailure(p *payload.Payload, err error) {
	if !p.UnlinkOnFail {
		_ = p.CloseFile()
		return
	}
	if errors.Is(err, ErrTransport) && !fileIsZeroLength(p) {
		_ = p.CloseFile()
		return
	}
	_ = tempfile.Discard(p)
}

func fileIsZeroLength(p *payload.Payload) bool {
	f := p.File()
	if f == nil {
		return true
	}
	st, err := f.Stat()
	if err != nil {
		return true
	}
	return st.Size() == 0
}

// logFailure logs a required (non-demoted) transfer failure once, with
// the short name and host.
func logFailure(p *payload.Payload, err error) {
	slog.Error("download failed", "file", p.RemoteName, "host", hostOf(p), "error", err)
}

// logOptionalFailure logs a failure demoted by ErrorsOK: still recorded,
// but never surfaced to the caller as an error.
func logOptionalFailure(p *payload.Payload, err error) {
	slog.Debug("download failed (errors_ok)", "file", p.RemoteName, "host", hostOf(p), "error", err)
}

func hostOf(p *payload.Payload) string {
	host, err := urlutil.HostFromURL(p.FileURL)
	if err != nil {
		return ""
	}
	return host
}

func filetime(resp *http.Response) (time.Time, bool) {
	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func modTime(path string) (time.Time, error) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime(), nil
}
