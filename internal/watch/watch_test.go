package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startWatcher(t *testing.T, root string) <-chan []string {
	t.Helper()
	got := make(chan []string, 4)
	w, err := New(Options{Roots: []string{root}, Debounce: 100 * time.Millisecond}, quietLogger(),
		func(_ context.Context, changed []string) { got <- changed })
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Run adds the watches asynchronously.
	time.Sleep(100 * time.Millisecond)
	return got
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherBatchesFrameChanges(t *testing.T) {
	root := t.TempDir()
	got := startWatcher(t, root)

	touch(t, filepath.Join(root, "flat_001.xisf"))
	touch(t, filepath.Join(root, "flat_002.fits"))
	touch(t, filepath.Join(root, "notes.txt"))
	touch(t, filepath.Join(root, "MasterFlat_2024-01-01_L_2s.xisf"))

	select {
	case changed := <-got:
		if len(changed) != 2 {
			t.Fatalf("expected the two frames in one batch, got %v", changed)
		}
		if filepath.Base(changed[0]) != "flat_001.xisf" || filepath.Base(changed[1]) != "flat_002.fits" {
			t.Fatalf("unexpected batch %v", changed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("trigger was not called")
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	got := startWatcher(t, root)

	sub := filepath.Join(root, "2024-03-01")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	touch(t, filepath.Join(sub, "flat_001.xisf"))

	select {
	case changed := <-got:
		if len(changed) != 1 || filepath.Dir(changed[0]) != sub {
			t.Fatalf("unexpected batch %v", changed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change in a new directory was not seen")
	}
}

func TestNewRequiresRoots(t *testing.T) {
	if _, err := New(Options{}, quietLogger(), nil); err == nil {
		t.Fatal("expected an error without roots")
	}
}
