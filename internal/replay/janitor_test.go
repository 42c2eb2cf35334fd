package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) Purge(context.Context, time.Time) (int, error) {
	p.calls.Add(1)
	return 2, p.err
}

func TestPurgeOnce(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	removed, err := PurgeOnce(context.Background(), &countingPurger{}, time.Now(), logger)
	if err != nil || removed != 2 {
		t.Fatalf("PurgeOnce = %d, %v", removed, err)
	}
	if _, err := PurgeOnce(context.Background(), &countingPurger{err: errors.New("down")}, time.Now(), logger); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, p, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not stop")
	}
	if p.calls.Load() == 0 {
		t.Fatalf("expected at least one purge")
	}
}
