package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/articlegen/internal/common"
)

type recordingProcessor struct {
	mu   sync.Mutex
	ids  []string
	fail bool
	done chan struct{}
}

func (p *recordingProcessor) Process(ctx context.Context, item WorkItem) error {
	p.mu.Lock()
	p.ids = append(p.ids, item.JobID)
	p.mu.Unlock()
	if p.done != nil {
		p.done <- struct{}{}
	}
	if p.fail {
		return errors.New("fail")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestQueue_StartEnqueueShutdown(t *testing.T) {
	q := NewQueue(discardLogger(), 2, 1)
	p := &recordingProcessor{done: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, p); err != nil {
		t.Fatalf("queue start: %v", err)
	}

	if err := q.Enqueue("id1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("processor was not called")
	}
	p.mu.Lock()
	if len(p.ids) != 1 || p.ids[0] != "id1" {
		t.Fatalf("processed ids = %v", p.ids)
	}
	p.mu.Unlock()

	q.Shutdown(2 * time.Second)
	if err := q.Enqueue("id2"); !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("enqueue after shutdown should fail with ErrQueueStopped, got %v", err)
	}
}

func TestQueue_EnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	if err := q.Enqueue("x"); !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("enqueue before start should fail with ErrQueueStopped, got %v", err)
	}
}

func TestQueue_FullReturnsErrQueueFull(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	// Unbuffered done channel blocks the single worker on its first item.
	p := &recordingProcessor{done: make(chan struct{})}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	// Wait until the worker has picked up "a" and is blocked.
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.ids)
		p.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker did not pick up first item")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := q.Enqueue("b"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	// b is already waiting, so a second trigger does not take a slot.
	if err := q.Enqueue("b"); err != nil {
		t.Fatalf("duplicate enqueue b: %v", err)
	}
	if n := q.Waiting(); n != 1 {
		t.Fatalf("waiting = %d, want 1", n)
	}
	if err := q.Enqueue("c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	<-p.done
	<-p.done
	q.Shutdown(2 * time.Second)
}

type errProcessor struct {
	errs map[string]error
	done chan string
}

func (p *errProcessor) Process(ctx context.Context, item WorkItem) error {
	defer func() { p.done <- item.JobID }()
	return p.errs[item.JobID]
}

// syncBuffer guards a bytes.Buffer shared between the logger and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestQueue_LogLevelFollowsOutcome(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	q := NewQueue(logger, 4, 1)
	p := &errProcessor{
		errs: map[string]error{
			"stage-failed": fmt.Errorf("stage draft: %w", common.NewCodedError(common.CodeParse, "bad json", nil)),
			"store-broken": errors.New("database is locked"),
		},
		done: make(chan string, 2),
	}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	for _, id := range []string{"stage-failed", "store-broken"} {
		if err := q.Enqueue(id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for range 2 {
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("processor was not called")
		}
	}
	q.Shutdown(2 * time.Second)

	var stageLine, storeLine string
	for _, line := range strings.Split(out.String(), "\n") {
		switch {
		case strings.Contains(line, "job_id=stage-failed") && strings.Contains(line, "err="):
			stageLine = line
		case strings.Contains(line, "job_id=store-broken") && strings.Contains(line, "err="):
			storeLine = line
		}
	}
	if !strings.Contains(stageLine, "level=WARN") || !strings.Contains(stageLine, "code=PARSE_ERROR") {
		t.Fatalf("stage failure should be a warning: %q", stageLine)
	}
	if !strings.Contains(storeLine, "level=ERROR") {
		t.Fatalf("infrastructure failure should be an error: %q", storeLine)
	}
}
