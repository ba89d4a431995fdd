package payload

import "testing"

func TestCurrentServerAndAdvance(t *testing.T) {
	p := New(Request{Servers: []string{"http://a", "http://b", "http://c"}})

	server, err := p.CurrentServer()
	if err != nil {
		t.Fatalf("CurrentServer: %v", err)
	}
	if server != "http://a" {
		t.Fatalf("CurrentServer = %q, want http://a", server)
	}

	if !p.HasNextServer() {
		t.Fatal("HasNextServer = false, want true")
	}
	if err := p.AdvanceServer(); err != nil {
		t.Fatalf("AdvanceServer: %v", err)
	}
	server, err = p.CurrentServer()
	if err != nil {
		t.Fatalf("CurrentServer after advance: %v", err)
	}
	if server != "http://b" {
		t.Fatalf("CurrentServer after advance = %q, want http://b", server)
	}

	if err := p.AdvanceServer(); err != nil {
		t.Fatalf("AdvanceServer: %v", err)
	}
	if p.HasNextServer() {
		t.Fatal("HasNextServer = true at last server, want false")
	}
	if err := p.AdvanceServer(); err == nil {
		t.Fatal("AdvanceServer past the last server: want error, got nil")
	}
}

func TestCurrentServerEmptyList(t *testing.T) {
	p := New(Request{})
	if _, err := p.CurrentServer(); err == nil {
		t.Fatal("CurrentServer with no servers: want error, got nil")
	}
}

func TestResetForRetryPreservesDestinationNaming(t *testing.T) {
	p := New(Request{Servers: []string{"http://a", "http://b"}})
	p.TempfileName = "/cache/pkg.tar.zst.part"
	p.DestfileName = "/cache/pkg.tar.zst"
	p.RespCode = 404
	p.PrevProgress = 4096
	if err := p.AdvanceServer(); err != nil {
		t.Fatalf("AdvanceServer: %v", err)
	}

	p.ResetForRetry(1024)

	if p.TempfileName != "/cache/pkg.tar.zst.part" {
		t.Errorf("TempfileName = %q, want preserved", p.TempfileName)
	}
	if p.DestfileName != "/cache/pkg.tar.zst" {
		t.Errorf("DestfileName = %q, want preserved", p.DestfileName)
	}
	if p.ServerIndex != 1 {
		t.Errorf("ServerIndex = %d, want preserved at 1", p.ServerIndex)
	}
	if p.InitialSize != 1024 {
		t.Errorf("InitialSize = %d, want 1024", p.InitialSize)
	}
	if p.RespCode != 0 {
		t.Errorf("RespCode = %d, want cleared to 0", p.RespCode)
	}
	if p.PrevProgress != 0 {
		t.Errorf("PrevProgress = %d, want cleared to 0", p.PrevProgress)
	}
}

func TestDedupProgressComparesInitialSizePlusTotal(t *testing.T) {
	p := New(Request{})
	p.InitialSize = 1000

	if dup := p.DedupProgress(500); dup {
		t.Fatal("first report should never be a duplicate")
	}
	if p.PrevProgress != 1500 {
		t.Fatalf("PrevProgress = %d, want 1500 (InitialSize+total)", p.PrevProgress)
	}

	if dup := p.DedupProgress(500); !dup {
		t.Fatal("repeating the same total should be reported as a duplicate")
	}

	if dup := p.DedupProgress(600); dup {
		t.Fatal("a larger total should not be a duplicate")
	}
	if p.PrevProgress != 1600 {
		t.Fatalf("PrevProgress = %d, want 1600", p.PrevProgress)
	}
}

func TestFileHandleLifecycle(t *testing.T) {
	p := New(Request{})
	if p.File() != nil {
		t.Fatal("File() on a fresh payload should be nil")
	}
	if err := p.CloseFile(); err != nil {
		t.Fatalf("CloseFile on a payload with no open file: %v", err)
	}
}
