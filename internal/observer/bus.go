package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/intentd/internal/model"
)

var (
	ErrDuplicateObserver = errors.New("observer already registered")
	ErrBusClosed         = errors.New("observer bus closed")
)

// Verdict is an authorizer's answer.
type Verdict struct {
	Allow  bool
	Reason string
}

// Allow permits the execution.
func Allow() Verdict { return Verdict{Allow: true} }

// Deny halts the execution with reason.
func Deny(reason string) Verdict { return Verdict{Reason: reason} }

// Request is what an authorizer sees.
type Request struct {
	ExecutionID string
	Intent      model.Intent
}

// Authorizer decides whether an execution may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Verdict, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req Request) (Verdict, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, req Request) (Verdict, error) {
	return f(ctx, req)
}

// Event is a lifecycle notification for telemetry observers.
type Event struct {
	ExecutionID string
	TenantID    string
	IntentType  string
	Stage       string       // e.g. "authorizing", "completed"
	Status      model.Status // Execution status after the stage
	ErrorCode   string
	Duration    time.Duration // Time spent in the stage
	At          time.Time
}

// Telemetry observes lifecycle events. It cannot influence the execution.
type Telemetry interface {
	Observe(ctx context.Context, ev Event)
}

// TelemetryFunc adapts a function to Telemetry.
type TelemetryFunc func(ctx context.Context, ev Event)

func (f TelemetryFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Result is one authorizer's contribution to a Decision.
type Result struct {
	ObserverID string
	Verdict    Verdict
	Err        error
}

// Decision aggregates the authorizer chain.
type Decision struct {
	Allowed  bool
	DeniedBy string
	Reason   string
	Results  []Result
}

type namedAuthorizer struct {
	id string
	a  Authorizer
}

type namedTelemetry struct {
	id string
	t  Telemetry
}

// Bus dispatches to registered observers.
//
// Thread-safety: registration and dispatch are safe for concurrent use.
// Registration normally happens once at boot.
type Bus struct {
	mu          sync.RWMutex
	authorizers []namedAuthorizer
	telemetry   []namedTelemetry
	ids         map[string]bool
	closed      bool

	wg            sync.WaitGroup
	logger        *slog.Logger
	slowThreshold time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// WithSlowThreshold sets the telemetry latency above which a warning is logged.
func WithSlowThreshold(d time.Duration) Option {
	return func(b *Bus) {
		b.slowThreshold = d
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		ids:           make(map[string]bool),
		logger:        slog.Default(),
		slowThreshold: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAuthorizer appends an authorizer to the chain.
func (b *Bus) RegisterAuthorizer(id string, a Authorizer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.claim(id); err != nil {
		return err
	}
	b.authorizers = append(b.authorizers, namedAuthorizer{id: id, a: a})
	return nil
}

// RegisterTelemetry adds a telemetry observer.
func (b *Bus) RegisterTelemetry(id string, t Telemetry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.claim(id); err != nil {
		return err
	}
	b.telemetry = append(b.telemetry, namedTelemetry{id: id, t: t})
	return nil
}

func (b *Bus) claim(id string) error {
	if b.closed {
		return ErrBusClosed
	}
	if id == "" {
		return fmt.Errorf("observer id is required")
	}
	if b.ids[id] {
		return fmt.Errorf("%w: %s", ErrDuplicateObserver, id)
	}
	b.ids[id] = true
	return nil
}

// Authorize runs the authorizer chain for an execution. With no authorizers
// registered every execution is allowed.
func (b *Bus) Authorize(ctx context.Context, executionID string, intent model.Intent) Decision {
	b.mu.RLock()
	chain := make([]namedAuthorizer, len(b.authorizers))
	copy(chain, b.authorizers)
	b.mu.RUnlock()

	req := Request{ExecutionID: executionID, Intent: intent}
	d := Decision{Allowed: true, Results: make([]Result, 0, len(chain))}
	for _, na := range chain {
		v, err := safeAuthorize(ctx, na.a, req)
		d.Results = append(d.Results, Result{ObserverID: na.id, Verdict: v, Err: err})
		if err != nil {
			d.Allowed = false
			d.DeniedBy = na.id
			d.Reason = fmt.Sprintf("authorizer error: %v", err)
			return d
		}
		if !v.Allow {
			d.Allowed = false
			d.DeniedBy = na.id
			d.Reason = v.Reason
			return d
		}
	}
	return d
}

func safeAuthorize(ctx context.Context, a Authorizer, req Request) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = Verdict{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Authorize(ctx, req)
}

// Notify delivers ev to every telemetry observer in its own goroutine and
// returns immediately. Deliveries after Close are dropped.
func (b *Bus) Notify(ctx context.Context, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, nt := range b.telemetry {
		b.wg.Add(1)
		go b.deliver(ctx, nt, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, nt namedTelemetry, ev Event) {
	defer b.wg.Done()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("telemetry observer panicked",
				"observer", nt.id,
				"execution_id", ev.ExecutionID,
				"panic", r,
			)
		}
		if elapsed := time.Since(start); elapsed > b.slowThreshold {
			b.logger.Warn("telemetry observer slow",
				"observer", nt.id,
				"execution_id", ev.ExecutionID,
				"elapsed", elapsed,
			)
		}
	}()
	nt.t.Observe(ctx, ev)
}

// Close stops accepting deliveries and waits for in-flight ones until ctx
// is done.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("observer bus close: %w", ctx.Err())
	}
}
