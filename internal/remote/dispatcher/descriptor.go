package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/startlevel"
	"github.com/kandev/fwagent/internal/remote/session"
	"github.com/kandev/fwagent/internal/shacache"
)

// Descriptor is the dispatcher's handle on one running framework.
type Descriptor struct {
	Name       string
	Factory    string
	Framework  framework.Framework
	Config     map[string]string
	StorageDir string
	CacheDir   string
	Policy     startlevel.Policy
	Cache      *shacache.Cache
	CreatedAt  time.Time

	logger     *logger.Logger
	activators []framework.Activator
	unbridge   func()

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// Sessions returns the attached sessions ordered by id.
func (d *Descriptor) Sessions() []*session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (d *Descriptor) add(s *session.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("framework %s is closing", d.Name)
	}
	d.sessions[s.ID()] = s
	return nil
}

func (d *Descriptor) detach(s *session.Session) {
	d.mu.Lock()
	delete(d.sessions, s.ID())
	d.mu.Unlock()
	d.logger.Debug("session detached", zap.String("session_id", s.ID()))
}

// startActivators starts each named embedded activator. Failures are logged and skipped.
func (d *Descriptor) startActivators(ctx context.Context, registry *framework.Registry, names []string) {
	for _, name := range names {
		act, err := registry.NewActivator(name)
		if err != nil {
			d.logger.Warn("unknown embedded activator", zap.String("activator", name), zap.Error(err))
			continue
		}
		if err := act.Start(ctx, &framework.ActivatorContext{Framework: d.Framework}); err != nil {
			d.logger.Warn("embedded activator failed to start", zap.String("activator", name), zap.Error(err))
			continue
		}
		d.activators = append(d.activators, act)
		d.logger.Debug("embedded activator started", zap.String("activator", name))
	}
}

// close tears down the attached sessions, the embedded activators, the
// policy and finally the framework, waiting at most timeout for it to stop.
func (d *Descriptor) close(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	// a session torn down by transport loss may still be uninstalling
	for _, s := range sessions {
		s.Close(ctx)
		select {
		case <-s.Done():
		case <-ctx.Done():
		}
	}

	var errs []error
	for i := len(d.activators) - 1; i >= 0; i-- {
		if err := d.activators[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("embedded activator: %w", err))
		}
	}
	d.activators = nil
	d.Policy.Close()

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.Framework.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop framework: %w", err))
	}
	if err := d.Framework.WaitForStop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("framework did not stop within %s: %w", timeout, err))
	}
	if d.unbridge != nil {
		d.unbridge()
	}
	return errors.Join(errs...)
}
