// Package transport configures the HTTP(S) client the download engine
// hands each attempt: redirect limits, connect/keepalive timeouts,
// conditional-GET and range-resume headers, and a low-speed floor
// monitor on the response body. It does not implement an HTTP(S)
// client itself: that is net/http's job. It only configures one.
package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ClientConfig parameterizes the *http.Client built by NewClient.
type ClientConfig struct {
	ConnectTimeout    time.Duration
	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration
	MaxRedirects      int
}

// NewClient builds an *http.Client from cfg: ConnectTimeout bounds the
// dial, KeepAliveInterval is the dialer's TCP keep-alive period,
// KeepAliveIdle is the transport's idle-connection timeout, and
// redirects are followed up to MaxRedirects. The overall client has no
// request timeout; deadlines are carried by the context passed to each
// request.
func NewClient(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.IdleConnTimeout = cfg.KeepAliveIdle

	return &http.Client{
		Transport: tr,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return errors.Newf("transport: stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}
}

// DefaultClientConfig returns this engine's fixed defaults: 10s
// connect timeout, 60s/60s keepalive, 10 redirects.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:    10 * time.Second,
		KeepAliveIdle:     60 * time.Second,
		KeepAliveInterval: 60 * time.Second,
		MaxRedirects:      10,
	}
}

// RequestOptions parameterizes NewRequest's conditional-GET / resume
// header selection. At most one of IfModifiedSince and RangeStart
// should be set; conditional GET and resume are mutually exclusive.
type RequestOptions struct {
	UserAgent       string
	IfModifiedSince time.Time
	RangeStart      int64
}

// NewRequest builds a GET request for rawurl with conditional-GET/resume headers.
func NewRequest(ctx context.Context, rawurl string, opts RequestOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, errors.Wrap(err, "transport: build request")
	}

	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}
	if !opts.IfModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", opts.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if opts.RangeStart > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(opts.RangeStart, 10)+"-")
	}

	return req, nil
}

// ContentDispositionFilename extracts the filename= parameter from a
// Content-Disposition header value, stripping surrounding quotes and
// terminating at ';' or CRLF. It returns "" if no filename parameter is
// present.
func ContentDispositionFilename(header string) string {
	const key = "filename="
	idx := strings.Index(strings.ToLower(header), key)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(key):]

	if end := strings.IndexAny(rest, ";\r\n"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	rest = strings.Trim(rest, `"`)
	return rest
}

// ProgressFunc reports cumulative bytes read (dlnow) against the
// expected total (dltotal) after each response body read. A non-nil
// return cancels the transfer; the returned error becomes the
// transfer's terminal error.
type ProgressFunc func(dlnow, dltotal int64) error

// LowSpeedConfig bounds sustained throughput: if fewer than
// Limit*Window bytes (at least one) arrive within a Window, the transfer
// is aborted.
type LowSpeedConfig struct {
	Limit  int64 // bytes/second floor; 0 disables the check
	Window time.Duration
}

// CopyWithProgress copies from src to dst, invoking onProgress after
// each read with cumulative bytes read so far and dltotal (which may be
// -1 if unknown), and enforcing the low-speed floor if enabled. It
// returns the total bytes copied.
//
// The low-speed floor is enforced by a watchdog timer that runs
// independently of src.Read returning, matching what curl's
// CURLOPT_LOW_SPEED_LIMIT/_TIME (the pair this engine's low-speed floor
// is modeled on) catches via its own non-blocking event loop: a
// connection left open with no further bytes and no FIN/RST blocks
// Read indefinitely, so a check that only runs after a read cannot fire
// on it. Instead, the watchdog is reset every time enough bytes arrive
// within Window and, if it fires first, closes src (when it implements
// io.Closer, as an *http.Response's Body always does) to unblock the
// pending Read with an error.
func CopyWithProgress(dst io.Writer, src io.Reader, dltotal int64, low LowSpeedConfig, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64

	var (
		mu      sync.Mutex
		stalled bool
	)

	var watchdog *time.Timer
	var need int64 // bytes that must arrive per Window to stay above the floor
	if low.Limit > 0 && low.Window > 0 {
		need = int64(float64(low.Limit) * low.Window.Seconds())
		if need < 1 {
			need = 1
		}
		watchdog = time.AfterFunc(low.Window, func() {
			mu.Lock()
			stalled = true
			mu.Unlock()
			if closer, ok := src.(io.Closer); ok {
				_ = closer.Close()
			}
		})
		defer watchdog.Stop()
	}

	lastProgressBytes := int64(0)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, errors.Wrap(werr, "transport: write")
			}
			total += int64(n)

			if watchdog != nil && total-lastProgressBytes >= need {
				lastProgressBytes = total
				watchdog.Reset(low.Window)
			}

			if onProgress != nil {
				if err := onProgress(total, dltotal); err != nil {
					return total, err
				}
			}
		}

		if watchdog != nil {
			mu.Lock()
			s := stalled
			mu.Unlock()
			if s {
				return total, errors.Newf("transport: throughput below %d B/s for %s", low.Limit, low.Window)
			}
		}

		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, errors.Wrap(rerr, "transport: read")
		}
	}
}
