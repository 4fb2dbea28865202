package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Operation is a running or finished set-apply call.
type Operation struct {
	id     string
	mode   RunMode
	cancel context.CancelFunc

	done       chan struct{}
	dispatched chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	events []ProgressEvent
	closed bool
	result *ApplySetResult
	err    error
}

func newOperation(id string, mode RunMode, cancel context.CancelFunc) *Operation {
	op := &Operation{
		id:         id,
		mode:       mode,
		cancel:     cancel,
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	op.cond = sync.NewCond(&op.mu)
	return op
}

// ID returns the run identifier.
func (o *Operation) ID() string {
	return o.id
}

// Mode returns whether the operation applies or tests.
func (o *Operation) Mode() RunMode {
	return o.mode
}

// Cancel requests cancellation. The unit in flight finishes and no further
// unit is started. Cancel is safe to call more than once.
func (o *Operation) Cancel() {
	o.cancel()
}

// Done is closed once the result is available.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation finishes or ctx is done.
func (o *Operation) Wait(ctx context.Context) (*ApplySetResult, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome. It is nil until Done is closed.
func (o *Operation) Result() (*ApplySetResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.err
}

// Events returns the progress events delivered so far.
func (o *Operation) Events() []ProgressEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ProgressEvent(nil), o.events...)
}

// Subscribe returns a channel replaying every event from the start of the
// run. The channel is closed after the last event or when ctx is done.
func (o *Operation) Subscribe(ctx context.Context) <-chan ProgressEvent {
	out := make(chan ProgressEvent)

	stop := context.AfterFunc(ctx, func() {
		o.mu.Lock()
		o.cond.Broadcast()
		o.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()

		next := 0
		for {
			o.mu.Lock()
			for next >= len(o.events) && !o.closed && ctx.Err() == nil {
				o.cond.Wait()
			}
			if ctx.Err() != nil || next >= len(o.events) {
				o.mu.Unlock()
				return
			}
			ev := o.events[next]
			o.mu.Unlock()

			select {
			case out <- ev:
				next++
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// dispatch delivers events to handlers and the recorder, then appends them
// to the operation log.
func (o *Operation) dispatch(ctx context.Context, events <-chan ProgressEvent, handlers []ProgressHandler,
	recorder Recorder, logger zerolog.Logger) {
	defer close(o.dispatched)

	for ev := range events {
		for _, h := range handlers {
			h(ev)
		}
		if recorder != nil {
			if err := recorder.RecordProgress(ctx, o.id, ev); err != nil {
				logger.Warn().Err(err).Int("sequence", ev.Sequence).Msg("Failed to record progress")
			}
		}

		o.mu.Lock()
		o.events = append(o.events, ev)
		o.cond.Broadcast()
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *Operation) complete(result *ApplySetResult, err error) {
	o.mu.Lock()
	o.result = result
	o.err = err
	o.mu.Unlock()
	close(o.done)
}
