// Package alert fans a confirmed accident out to notification channels.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
)

var (
	// ErrDispatch wraps every channel failure.
	ErrDispatch = errors.New("dispatch failed")
	// ErrSkipped is returned by a channel that is not configured. It is
	// reported as skipped, not as a failure.
	ErrSkipped = errors.New("channel skipped")
)

// Result is the outcome of one channel for one event.
type Result struct {
	Channel  string
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Notifier receives confirmed accidents. Implementations never panic into
// the caller and report per-channel outcomes instead of a single error.
type Notifier interface {
	Notify(ctx context.Context, ev collision.AccidentEvent) []Result
}

// Channel delivers one kind of notification.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev collision.AccidentEvent) error
}

// Dispatcher sends each event to all channels concurrently.
type Dispatcher struct {
	channels []Channel
	metrics  *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(m *metrics.Metrics, channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels, metrics: m}
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Notify delivers ev to every channel and waits for all of them. Results are
// in channel order.
func (d *Dispatcher) Notify(ctx context.Context, ev collision.AccidentEvent) []Result {
	results := make([]Result, len(d.channels))

	var wg sync.WaitGroup
	for i, ch := range d.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.send(ctx, ch, ev)
		}()
	}
	wg.Wait()

	for _, r := range results {
		switch {
		case r.Skipped:
			logger.Info("Alert", "[%s] %s skipped", ev.ID, r.Channel)
		case r.Err != nil:
			logger.Error("Alert", "[%s] %s failed after %s: %v", ev.ID, r.Channel, r.Duration, r.Err)
		default:
			logger.Info("Alert", "[%s] %s delivered in %s", ev.ID, r.Channel, r.Duration)
		}
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, ev collision.AccidentEvent) (res Result) {
	res.Channel = ch.Name()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: %s: panic: %v", ErrDispatch, res.Channel, r)
		}
		res.Duration = time.Since(start)
		if !res.Skipped {
			d.metrics.ObserveDispatch(res.Channel, res.Err)
		}
	}()

	err := ch.Send(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrSkipped):
		res.Skipped = true
	default:
		res.Err = fmt.Errorf("%w: %s: %w", ErrDispatch, res.Channel, err)
	}
	return res
}

// Summary combines the failures in results, nil when every channel
// succeeded or was skipped.
func Summary(results []Result) error {
	var err error
	for _, r := range results {
		err = multierr.Append(err, r.Err)
	}
	return err
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev collision.AccidentEvent) []Result

// Notify calls f.
func (f Func) Notify(ctx context.Context, ev collision.AccidentEvent) []Result {
	return f(ctx, ev)
}
