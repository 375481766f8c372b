package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Rusteze-AP/simulation-controller/internal/controller"
	"github.com/Rusteze-AP/simulation-controller/model"
)

type fakeSwapper struct {
	mu      sync.Mutex
	sources []string
}

func (f *fakeSwapper) SwapTopology(_ context.Context, source string) controller.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, source)
	return controller.Result{Intent: controller.IntentSwapTopology, Status: model.IntentSucceeded}
}

func (f *fakeSwapper) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sources...)
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Run returned %v", err)
		}
	})
	// Give fsnotify time to register the directory.
	time.Sleep(50 * time.Millisecond)
}

func TestBurstOfWritesSwapsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.yaml")
	if err := os.WriteFile(path, []byte("drone: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	sw := &fakeSwapper{}
	done := make(chan controller.Result, 4)
	w := New(path, sw, WithDebounce(100*time.Millisecond))
	w.onSwap = func(r controller.Result) { done <- r }
	startWatcher(t, w)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("drone: []\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("no swap after writes")
	}
	select {
	case <-done:
		t.Fatalf("burst produced more than one swap")
	case <-time.After(300 * time.Millisecond):
	}

	calls := sw.calls()
	if len(calls) != 1 || calls[0] != path {
		t.Fatalf("swap calls = %v, want [%s]", calls, path)
	}
}

func TestOtherFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.yaml")
	sw := &fakeSwapper{}
	w := New(path, sw, WithDebounce(20*time.Millisecond))
	startWatcher(t, w)

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if calls := sw.calls(); len(calls) != 0 {
		t.Fatalf("swap calls = %v, want none", calls)
	}
}

func TestRunFailsForMissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "gone", "net.yaml"), &fakeSwapper{})
	if err := w.Run(context.Background()); err == nil {
		t.Fatalf("Run on a missing directory returned nil")
	}
}
