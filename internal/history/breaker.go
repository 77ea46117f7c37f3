package history

import (
	"context"
	"io"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Breaker defaults.
const (
	DefaultBreakerFailures = 3
	DefaultBreakerCooldown = time.Minute
)

// BreakerSink stops calling a sink after consecutive failures and probes it
// again once the cooldown passes. While open, Send fails immediately with
// gobreaker.ErrOpenState so a dead backend does not cost a timeout per event.
type BreakerSink struct {
	name string
	sink Sink
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerSink wraps s. Zero failures or cooldown take the defaults.
func NewBreakerSink(name string, s Sink, failures uint32, cooldown time.Duration) *BreakerSink {
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("History sink circuit changed", "sink", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerSink{name: name, sink: s, cb: cb}
}

func (b *BreakerSink) Send(ctx context.Context, e Event) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.sink.Send(ctx, e)
	})
	return err
}

// State reports the circuit state: "closed", "half-open" or "open".
func (b *BreakerSink) State() string { return b.cb.State().String() }

// Close closes the wrapped sink when it holds resources.
func (b *BreakerSink) Close() error {
	if c, ok := b.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
