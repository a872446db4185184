package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/statesync/snapshot"
)

// GuardOption configures Guard.
type GuardOption func(*guarded)

// WithTimeout bounds every gateway call by d. Zero disables the deadline.
// The wrapped gateway must honour context cancellation for the deadline to
// take effect.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *guarded) { g.timeout = d }
}

// WithBreaker fails calls fast while cb is open.
func WithBreaker(cb *CircuitBreaker) GuardOption {
	return func(g *guarded) { g.breaker = cb }
}

// WithLogger sets the logger used to report breaker transitions.
func WithLogger(l *slog.Logger) GuardOption {
	return func(g *guarded) { g.logger = l }
}

type guarded struct {
	next    Gateway
	timeout time.Duration
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// Guard wraps gw so that every call carries a deadline, passes through an
// optional circuit breaker and reports failures as *Error.
func Guard(gw Gateway, opts ...GuardOption) Gateway {
	g := &guarded{next: gw, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// call runs fn under the guard's deadline and breaker.
func (g *guarded) call(ctx context.Context, op Op, fn func(context.Context) error) error {
	if g.breaker != nil && !g.breaker.Allow() {
		return &Error{Op: op, Err: &ErrCircuitOpen{Op: op}}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	err := fn(ctx)
	if g.breaker != nil {
		before := g.breaker.State()
		g.breaker.Record(err)
		if after := g.breaker.State(); after != before {
			g.logger.Warn("gateway: breaker state changed", "op", op, "from", before, "to", after)
		}
	}
	return Wrap(op, err)
}

func (g *guarded) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	var out *snapshot.Snapshot
	err := g.call(ctx, OpLoad, func(ctx context.Context) error {
		var err error
		out, err = g.next.Load(ctx)
		return err
	})
	return out, err
}

func (g *guarded) Save(ctx context.Context, s *snapshot.Snapshot) error {
	return g.call(ctx, OpSave, func(ctx context.Context) error {
		return g.next.Save(ctx, s)
	})
}

func (g *guarded) StoreBackup(ctx context.Context, id string, data []byte) error {
	return g.call(ctx, OpStoreBackup, func(ctx context.Context) error {
		return g.next.StoreBackup(ctx, id, data)
	})
}

func (g *guarded) LoadBackup(ctx context.Context, id string) ([]byte, error) {
	var out []byte
	err := g.call(ctx, OpLoadBackup, func(ctx context.Context) error {
		var err error
		out, err = g.next.LoadBackup(ctx, id)
		return err
	})
	return out, err
}

func (g *guarded) DeleteBackup(ctx context.Context, id string) error {
	return g.call(ctx, OpDeleteBackup, func(ctx context.Context) error {
		return g.next.DeleteBackup(ctx, id)
	})
}

func (g *guarded) ListBackupIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := g.call(ctx, OpListBackups, func(ctx context.Context) error {
		var err error
		out, err = g.next.ListBackupIDs(ctx)
		return err
	})
	return out, err
}
