package dload

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/alpmfetch/alpmfetch/internal/payload"
)

// FetchFunc is the user-supplied fetch callback the environment may
// supply to bypass the HTTP(S) transport entirely. It returns an error
// for any failure. DownloadSingle and DownloadAllExternal call it in
// place of Session and Scheduler; a non-nil error counts as a failed
// fetch from that mirror.
type FetchFunc func(ctx context.Context, fileurl, localpath string, force bool) error

// DownloadSingle runs fetchcb once against p's current server, bypassing
// the transport entirely. A failure is elevated to an error unless
// p.ErrorsOK.
func DownloadSingle(ctx context.Context, fetchcb FetchFunc, p *payload.Payload, localpath string) error {
	server, err := p.CurrentServer()
	if err != nil {
		return errors.Mark(err, ErrServerNone)
	}
	fileurl := server + p.FilePath

	if err := fetchcb(ctx, fileurl, localpath, p.Force); err != nil {
		if p.ErrorsOK {
			return nil
		}
		return errors.Mark(errors.Wrap(err, "dload: external fetch"), ErrExternalDownload)
	}
	return nil
}

// DownloadAllExternal runs fetchcb for every payload, iterating each
// payload's Servers and composing "server/filepath" per mirror, and
// stopping at the first mirror that succeeds. It reports
// ErrExternalDownload only for a required (non-ErrorsOK) payload that
// failed on every mirror.
func DownloadAllExternal(ctx context.Context, fetchcb FetchFunc, payloads []*payload.Payload, localpath string) error {
	var firstFatal error

	for _, p := range payloads {
		if len(p.Servers) == 0 {
			if !p.ErrorsOK && firstFatal == nil {
				firstFatal = errors.Mark(errors.New("dload: payload has no servers"), ErrServerNone)
			}
			continue
		}

		succeeded := false
		for _, server := range p.Servers {
			fileurl := server + "/" + p.FilePath
			if err := fetchcb(ctx, fileurl, localpath, p.Force); err == nil {
				succeeded = true
				break
			}
		}

		if !succeeded && !p.ErrorsOK && firstFatal == nil {
			firstFatal = errors.Mark(errors.New("dload: external fetch failed on all mirrors for "+p.FilePath), ErrExternalDownload)
		}
	}

	return firstFatal
}
