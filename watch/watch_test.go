package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/statesync/snapshot"
	"github.com/hazyhaar/statesync/store"
)

// counter is a Source the test moves by hand.
type counter struct{ v atomic.Int64 }

func (c *counter) read(context.Context) (int64, error) { return c.v.Load(), nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_FiresOnChange(t *testing.T) {
	var src counter
	var fired atomic.Int32
	var lastRev atomic.Int64
	w := New(src.read, Options{Interval: 10 * time.Millisecond, Logger: quiet()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(_ context.Context, rev int64) error {
		fired.Add(1)
		lastRev.Store(rev)
		return nil
	})

	eventually(t, "first poll", func() bool { return w.Stats().Checks > 0 })
	if fired.Load() != 0 {
		t.Fatal("baseline revision fired the action")
	}

	src.v.Store(1)
	eventually(t, "first fire", func() bool { return fired.Load() == 1 })
	src.v.Store(2)
	eventually(t, "second fire", func() bool { return fired.Load() == 2 })
	if lastRev.Load() != 2 || w.Revision() != 2 {
		t.Fatalf("revision = %d / %d, want 2", lastRev.Load(), w.Revision())
	}

	checks := w.Stats().Checks
	eventually(t, "idle polls", func() bool { return w.Stats().Checks > checks+3 })
	if fired.Load() != 2 {
		t.Fatalf("fired %d times without a change", fired.Load())
	}
}

func TestRun_Debounce(t *testing.T) {
	var src counter
	var fired atomic.Int32
	w := New(src.read, Options{Interval: 10 * time.Millisecond, Debounce: 150 * time.Millisecond, Logger: quiet()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(context.Context, int64) error {
		fired.Add(1)
		return nil
	})
	eventually(t, "first poll", func() bool { return w.Stats().Checks > 0 })

	for i := int64(1); i <= 5; i++ {
		src.v.Store(i)
		time.Sleep(20 * time.Millisecond)
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times inside the debounce window", got)
	}

	eventually(t, "debounced fire", func() bool { return fired.Load() == 1 })
	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want exactly 1", got)
	}
	if w.Revision() != 5 {
		t.Fatalf("revision = %d, want 5", w.Revision())
	}
}

func TestRun_FailedActionRetries(t *testing.T) {
	var src counter
	var calls atomic.Int32
	w := New(src.read, Options{Interval: 10 * time.Millisecond, Logger: quiet()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(context.Context, int64) error {
		if calls.Add(1) == 1 {
			return errors.New("store busy")
		}
		return nil
	})
	eventually(t, "first poll", func() bool { return w.Stats().Checks > 0 })

	src.v.Store(1)
	eventually(t, "retry", func() bool { return w.Revision() == 1 })
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, want a failure then a success", calls.Load())
	}
	if w.Stats().Errors == 0 {
		t.Fatal("failed action not counted")
	}
}

func TestWaitFor(t *testing.T) {
	var src counter
	w := New(src.read, Options{Interval: 10 * time.Millisecond, Logger: quiet()})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx, func(context.Context, int64) error { return nil })

	go func() {
		time.Sleep(30 * time.Millisecond)
		src.v.Store(10)
	}()
	if err := w.WaitFor(ctx, 10); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	if err := w.WaitFor(short, 99); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitFor(99) = %v, want deadline exceeded", err)
	}
}

func TestRun_StoreExternalRevision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	mine, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer mine.Close()
	theirs, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer theirs.Close()

	var fired atomic.Int32
	w := New(mine.ExternalRevision, Options{Interval: 10 * time.Millisecond, Logger: quiet()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(context.Context, int64) error {
		fired.Add(1)
		return nil
	})
	eventually(t, "first poll", func() bool { return w.Stats().Checks > 0 })

	snap := &snapshot.Snapshot{Altar: &snapshot.Altar{ID: "altar", UpdatedAt: time.Now()}}
	if err := mine.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}
	checks := w.Stats().Checks
	eventually(t, "polls after own save", func() bool { return w.Stats().Checks > checks+3 })
	if fired.Load() != 0 {
		t.Fatal("own save fired the watcher")
	}

	if err := theirs.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}
	eventually(t, "foreign save", func() bool { return fired.Load() == 1 })
}
