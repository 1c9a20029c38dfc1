// Package eventbus implements EventBus (SPEC_FULL.md §4.14): publication of
// one NATS message per task status transition, with OpenTelemetry
// trace-context injected into the message headers so an external dashboard
// or audit trail can correlate a task's lifecycle with the run's spans.
// Grounded on libs/go/core/natsctx's Publish/Subscribe trace-context
// plumbing. Entirely optional: a nil *Bus (or one never attached to a
// Scheduler via WithEvents) never touches the network, matching spec.md's
// concurrency model for ambient/optional components.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/taskgraph/runner/internal/core/natsctx"
	"github.com/taskgraph/runner/internal/scheduler"
)

// Bus publishes task status transitions to NATS subjects of the form
// "task.<name>.<status>". Publication is fire-and-forget: a full queue
// drops the new event rather than blocking the caller (the
// Scheduler's iteration loop), per spec.md §5's "a slow subscriber cannot
// stall the scheduler loop" requirement.
type Bus struct {
	nc      *nats.Conn
	subject string
	queue   chan event
	logger  *slog.Logger
	done    chan struct{}
}

type event struct {
	ctx    context.Context
	task   string
	status scheduler.RunnerStatus
}

// statusEvent is the JSON body of every published message.
type statusEvent struct {
	Task      string `json:"task"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Connect dials url and returns a Bus with a bounded backlog of queueSize
// pending publications, draining them on its own goroutine so Publish never
// blocks the Scheduler.
func Connect(url string, queueSize int, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect %q: %w", url, err)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		nc:      nc,
		subject: "task",
		queue:   make(chan event, queueSize),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go b.drain()
	return b, nil
}

func (b *Bus) drain() {
	defer close(b.done)
	for ev := range b.queue {
		payload, err := json.Marshal(statusEvent{
			Task:      ev.task,
			Status:    string(ev.status),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			b.logger.Warn("eventbus: marshal failed", "task", ev.task, "error", err)
			continue
		}
		subject := fmt.Sprintf("%s.%s.%s", b.subject, ev.task, ev.status)
		if err := natsctx.Publish(ev.ctx, b.nc, subject, payload); err != nil {
			b.logger.Warn("eventbus: publish failed", "subject", subject, "error", err)
		}
	}
}

// Publish satisfies scheduler.EventPublisher. It never blocks: when the
// backlog is full the event is dropped and logged rather than stalling the
// caller.
func (b *Bus) Publish(ctx context.Context, task string, status scheduler.RunnerStatus) {
	select {
	case b.queue <- event{ctx: ctx, task: task, status: status}:
	default:
		b.logger.Warn("eventbus: backlog full, dropping event", "task", task, "status", status)
	}
}

// Close stops accepting new events, drains the backlog, and closes the NATS
// connection.
func (b *Bus) Close() error {
	close(b.queue)
	<-b.done
	b.nc.Close()
	return nil
}
