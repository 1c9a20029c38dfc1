package eventbus

import (
	"context"
	"log/slog"
	"testing"

	"github.com/taskgraph/runner/internal/scheduler"
)

func TestPublishDropsOnFullBacklogWithoutBlocking(t *testing.T) {
	b := &Bus{queue: make(chan event, 1), logger: slog.Default()}

	b.Publish(context.Background(), "A", scheduler.Running)
	b.Publish(context.Background(), "B", scheduler.Done) // backlog full: dropped, not blocked

	if len(b.queue) != 1 {
		t.Fatalf("expected exactly one queued event, got %d", len(b.queue))
	}
	queued := <-b.queue
	if queued.task != "A" {
		t.Fatalf("expected the first event to survive, got %q", queued.task)
	}
}
