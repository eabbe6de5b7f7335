// Package startlevel applies the launch start-level settings to a framework.
//
// When launch.startlevel.default is set, the framework begins at level 1,
// newly installed modules get the default level, and once the framework is up
// the active level is raised to the target level (launch.startlevel.target,
// default level + 1 when unset). Without the property every hook is a no-op.
package startlevel

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
)

const (
	PropDefault = "launch.startlevel.default"
	PropTarget  = "launch.startlevel.target"
)

// Policy is the start-level hook set a Descriptor drives.
type Policy interface {
	// BeforeStart runs after Init and before Start.
	BeforeStart(ctx context.Context, fw framework.Framework) error
	// AfterStart runs once the framework is active.
	AfterStart(ctx context.Context) error
	// Sync runs after each reconciliation.
	Sync(ctx context.Context) error
	Close()
}

// New builds the policy described by props.
func New(props map[string]string, log *logger.Logger) (Policy, error) {
	raw, ok := props[PropDefault]
	if !ok || raw == "" {
		return noop{}, nil
	}
	def, err := strconv.Atoi(raw)
	if err != nil || def < 1 {
		return nil, fmt.Errorf("invalid %s %q", PropDefault, raw)
	}
	target := def + 1
	if v := props[PropTarget]; v != "" {
		target, err = strconv.Atoi(v)
		if err != nil || target < 1 {
			return nil, fmt.Errorf("invalid %s %q", PropTarget, v)
		}
	}
	if log == nil {
		log = logger.Default()
	}
	return &levels{
		defaultLevel: def,
		target:       target,
		logger:       log.WithFields(zap.String("component", "startlevel")),
	}, nil
}

type noop struct{}

func (noop) BeforeStart(context.Context, framework.Framework) error { return nil }
func (noop) AfterStart(context.Context) error                       { return nil }
func (noop) Sync(context.Context) error                             { return nil }
func (noop) Close()                                                 {}

type levels struct {
	defaultLevel int
	target       int
	logger       *logger.Logger

	mu     sync.Mutex
	fw     framework.Framework
	closed bool
}

func (l *levels) BeforeStart(_ context.Context, fw framework.Framework) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fw = fw
	fw.SetBeginningStartLevel(1)
	fw.SetInitialModuleStartLevel(l.defaultLevel)
	l.logger.Debug("start levels configured",
		zap.Int("default", l.defaultLevel),
		zap.Int("target", l.target))
	return nil
}

func (l *levels) AfterStart(ctx context.Context) error {
	return l.raise(ctx)
}

func (l *levels) Sync(ctx context.Context) error {
	return l.raise(ctx)
}

func (l *levels) raise(ctx context.Context) error {
	l.mu.Lock()
	fw := l.fw
	closed := l.closed
	l.mu.Unlock()
	if fw == nil || closed {
		return nil
	}
	if fw.StartLevel() == l.target {
		return nil
	}
	l.logger.Debug("moving framework start level", zap.Int("from", fw.StartLevel()), zap.Int("to", l.target))
	return fw.SetStartLevel(ctx, l.target)
}

func (l *levels) Close() {
	l.mu.Lock()
	l.closed = true
	l.fw = nil
	l.mu.Unlock()
}
