package dload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alpmfetch/alpmfetch/internal/payload"
	"github.com/alpmfetch/alpmfetch/internal/transport"
)

// recordingSink captures every event fired by a Session/Scheduler for
// assertions, mirroring a preference for small in-package
// fakes over a mocking library.
type recordingSink struct {
	inits      []string
	progresses []int64
	completed  []Result
}

func (s *recordingSink) Init(p *payload.Payload, optional bool) {
	s.inits = append(s.inits, p.RemoteName)
}

func (s *recordingSink) Progress(p *payload.Payload, total, downloaded int64) {
	s.progresses = append(s.progresses, downloaded)
}

func (s *recordingSink) Completed(p *payload.Payload, total int64, result Result) {
	s.completed = append(s.completed, result)
}

func newTestSession(t *testing.T, cacheDir string, sink EventSink) *Session {
	t.Helper()
	client := transport.NewClient(transport.DefaultClientConfig())
	cfg := DefaultConfig(cacheDir)
	cfg.DisableDLTimeout = true
	return NewSession(client, cfg, sink)
}

func TestSessionDownloadFresh(t *testing.T) {
	content := []byte("the quick brown package")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	sink := &recordingSink{}
	sess := newTestSession(t, cacheDir, sink)

	p := payload.New(payload.Request{
		FilePath: "/pkg.tar.zst",
		Servers:  []string{srv.URL},
	})

	result, err := sess.Download(context.Background(), p, cacheDir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result != ResultDownloaded {
		t.Fatalf("result = %v, want ResultDownloaded", result)
	}

	got, err := os.ReadFile(filepath.Join(cacheDir, "pkg.tar.zst"))
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("published content = %q, want %q", got, content)
	}
	if len(sink.completed) != 1 || sink.completed[0] != ResultDownloaded {
		t.Fatalf("sink.completed = %v, want [ResultDownloaded]", sink.completed)
	}
}

func TestSessionDownloadNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("stale-or-fresh"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	dest := filepath.Join(cacheDir, "pkg.tar.zst")
	if err := os.WriteFile(dest, []byte("already here"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	sess := newTestSession(t, cacheDir, sink)

	p := payload.New(payload.Request{
		FilePath:   "/pkg.tar.zst",
		Servers:    []string{srv.URL},
		RemoteName: "pkg.tar.zst",
	})

	result, err := sess.Download(context.Background(), p, cacheDir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result != ResultUpToDate {
		t.Fatalf("result = %v, want ResultUpToDate", result)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read original file: %v", err)
	}
	if string(got) != "already here" {
		t.Fatalf("destination was overwritten: %q", got)
	}
}

func TestSessionDownloadResume(t *testing.T) {
	full := []byte("0123456789ABCDEF")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(full)
			return
		}
		var start int
		if _, err := scanRangeStart(rng, &start); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", "bytes "+rng+"/*")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[start:])
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	partial := full[:8]
	if err := os.WriteFile(filepath.Join(cacheDir, "pkg.tar.zst.part"), partial, 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	sess := newTestSession(t, cacheDir, sink)

	p := payload.New(payload.Request{
		FilePath:    "/pkg.tar.zst",
		Servers:     []string{srv.URL},
		RemoteName:  "pkg.tar.zst",
		AllowResume: true,
	})

	result, err := sess.Download(context.Background(), p, cacheDir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result != ResultDownloaded {
		t.Fatalf("result = %v, want ResultDownloaded", result)
	}

	got, err := os.ReadFile(filepath.Join(cacheDir, "pkg.tar.zst"))
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}
	if string(got) != string(full) {
		t.Fatalf("published content = %q, want %q (resumed append did not reconstruct full file)", got, full)
	}
}

func TestSessionDownloadOverMaxSize(t *testing.T) {
	content := make([]byte, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	sink := &recordingSink{}
	sess := newTestSession(t, cacheDir, sink)

	p := payload.New(payload.Request{
		FilePath:     "/huge.bin",
		Servers:      []string{srv.URL},
		MaxSize:      1024,
		UnlinkOnFail: true,
	})

	_, err := sess.Download(context.Background(), p, cacheDir)
	if err == nil {
		t.Fatal("Download: want error for over-max-size transfer, got nil")
	}
	if _, statErr := os.Stat(filepath.Join(cacheDir, "huge.bin.part")); !os.IsNotExist(statErr) {
		t.Fatalf("temp file should have been discarded, stat err = %v", statErr)
	}
}

func TestSessionDownloadAtCapSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted when the .part already sits at max_size")
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	capped := []byte("0123456789ABCDEF")
	if err := os.WriteFile(filepath.Join(cacheDir, "pkg.tar.zst.part"), capped, 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	sess := newTestSession(t, cacheDir, sink)

	p := payload.New(payload.Request{
		FilePath:    "/pkg.tar.zst",
		Servers:     []string{srv.URL},
		RemoteName:  "pkg.tar.zst",
		AllowResume: true,
		MaxSize:     uint64(len(capped)),
	})

	result, err := sess.Download(context.Background(), p, cacheDir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result != ResultDownloaded {
		t.Fatalf("result = %v, want ResultDownloaded", result)
	}

	got, err := os.ReadFile(filepath.Join(cacheDir, "pkg.tar.zst"))
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}
	if string(got) != string(capped) {
		t.Fatalf("published content = %q, want %q", got, capped)
	}
	if len(sink.progresses) != 0 {
		t.Fatalf("progresses = %v, want none (no network I/O)", sink.progresses)
	}
}

func TestSessionDownloadErrorsOKDemotesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	sess := newTestSession(t, cacheDir, &recordingSink{})

	p := payload.New(payload.Request{
		FilePath: "/pkg.tar.zst.sig",
		Servers:  []string{srv.URL},
		ErrorsOK: true,
		// Signature: true would also suppress events, but ErrorsOK alone
		// should already prevent the error from propagating.
	})

	result, err := sess.Download(context.Background(), p, cacheDir)
	if err != nil {
		t.Fatalf("Download with ErrorsOK: want nil error, got %v", err)
	}
	if result != ResultFailed {
		t.Fatalf("result = %v, want ResultFailed", result)
	}
}

func TestSessionDownloadContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	cacheDir := t.TempDir()
	sess := newTestSession(t, cacheDir, &recordingSink{})

	p := payload.New(payload.Request{
		FilePath: "/slow.bin",
		Servers:  []string{srv.URL},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sess.Download(ctx, p, cacheDir)
	if err == nil {
		t.Fatal("Download: want error for cancelled context, got nil")
	}
}

func TestSessionDownloadTrustRemoteNameRenamesFromContentDisposition(t *testing.T) {
	content := []byte("renamed package contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="x.pkg"`)
		w.Write(content)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	sink := &recordingSink{}
	sess := newTestSession(t, cacheDir, sink)

	p := payload.New(payload.Request{
		FilePath:        "/download.cgi?id=1",
		Servers:         []string{srv.URL},
		RemoteName:      "download.cgi",
		TrustRemoteName: true,
	})

	result, err := sess.Download(context.Background(), p, cacheDir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result != ResultDownloaded {
		t.Fatalf("result = %v, want ResultDownloaded", result)
	}

	got, err := os.ReadFile(filepath.Join(cacheDir, "x.pkg"))
	if err != nil {
		t.Fatalf("read renamed published file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("published content = %q, want %q", got, content)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "download.cgi")); !os.IsNotExist(err) {
		t.Fatalf("original-named file should not exist, stat err = %v", err)
	}
}

// scanRangeStart parses the "bytes=N-" form this test's mock server
// expects; it is not a general Range-header parser.
func scanRangeStart(rangeHeader string, start *int) (int, error) {
	const prefix = "bytes="
	n := 0
	i := len(prefix)
	for i < len(rangeHeader) && rangeHeader[i] >= '0' && rangeHeader[i] <= '9' {
		n = n*10 + int(rangeHeader[i]-'0')
		i++
	}
	*start = n
	return n, nil
}
