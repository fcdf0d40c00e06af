package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/docsync/pkg/id"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

// Kind names an event type.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindSync              Kind = "sync"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindOnline            Kind = "online"
	KindOffline           Kind = "offline"
)

var (
	ErrUnknownEvent = errors.New("worker: unknown event kind")
	ErrStopped      = errors.New("worker: event loop stopped")
)

// Event is a unit of work for the loop.
type Event struct {
	Kind Kind
	// Tag selects the queue for sync events; empty means every queue.
	Tag string
	// Payload is the raw push message.
	Payload []byte
	// Notification is the clicked notification.
	Notification id.ID
}

// Result is the outcome of an event.
type Result struct {
	Value any
	Err   error
}

type envelope struct {
	ctx   context.Context
	ev    Event
	reply chan Result
}

type handlerFunc func(ctx context.Context, ev Event) (any, error)

// Dispatch queues ev and returns a channel that receives its result once.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (<-chan Result, error) {
	if _, ok := w.handlers[ev.Kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	select {
	case <-w.stopped:
		return nil, ErrStopped
	default:
	}
	reply := make(chan Result, 1)
	select {
	case w.events <- envelope{ctx: ctx, ev: ev, reply: reply}:
		return reply, nil
	case <-w.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do dispatches ev and waits for its result.
func (w *Worker) Do(ctx context.Context, ev Event) (any, error) {
	reply, err := w.Dispatch(ctx, ev)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) registerHandlers() {
	w.handlers = map[Kind]handlerFunc{
		KindInstall: func(ctx context.Context, _ Event) (any, error) {
			return nil, w.Lifecycle.Install(ctx)
		},
		KindActivate: func(ctx context.Context, _ Event) (any, error) {
			return w.Lifecycle.Activate(ctx)
		},
		KindSync: w.handleSync,
		KindPush: func(ctx context.Context, ev Event) (any, error) {
			return w.Push.Receive(ctx, ev.Payload)
		},
		KindNotificationClick: func(_ context.Context, ev Event) (any, error) {
			return w.Push.Click(ev.Notification)
		},
		KindOnline: func(context.Context, Event) (any, error) {
			return w.Signal.Set(true, "manual"), nil
		},
		KindOffline: func(context.Context, Event) (any, error) {
			return w.Signal.Set(false, "manual"), nil
		},
	}
}

// handleSync runs passes now. A queue left non-empty is handed to the
// scheduler so it is retried with backoff.
func (w *Worker) handleSync(ctx context.Context, ev Event) (any, error) {
	if ev.Tag == "" {
		results, err := w.Reconciler.ReconcileAll(ctx)
		for _, res := range results {
			if res.Remaining > 0 {
				if tag, ok := w.tagByQueue[res.Queue]; ok {
					w.retryLater(ctx, tag)
				}
			}
		}
		return results, err
	}
	res, err := w.Reconciler.HandleSync(ctx, ev.Tag)
	if err == nil && res.Remaining > 0 {
		w.retryLater(ctx, ev.Tag)
	}
	return res, err
}

func (w *Worker) retryLater(ctx context.Context, tag string) {
	if err := w.Scheduler.Register(ctx, tag); err != nil {
		w.logger.Warn("failed to schedule sync retry", logpkg.Str("tag", tag), logpkg.Err(err))
	}
}
