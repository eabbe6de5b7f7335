package local

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/manifest"
	"github.com/kandev/fwagent/internal/framework/store"
)

type module struct {
	fw       *Framework
	id       int64
	location string

	// opMu serializes lifecycle operations on this module.
	opMu sync.Mutex

	mu           sync.RWMutex
	man          *manifest.Manifest
	state        framework.State
	startLevel   int
	autoStart    bool
	lastModified time.Time
	activator    framework.Activator
}

var _ framework.Module = (*module)(nil)

func (m *module) ID() int64        { return m.id }
func (m *module) Location() string { return m.location }

func (m *module) manifest() *manifest.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.man
}

func (m *module) SymbolicName() string { return m.manifest().SymbolicName }
func (m *module) Version() string      { return m.manifest().Version }

func (m *module) Headers() map[string]string {
	man := m.manifest()
	out := make(map[string]string, len(man.Headers)+2)
	for k, v := range man.Headers {
		out[k] = v
	}
	out["Symbolic-Name"] = man.SymbolicName
	out["Version"] = man.Version
	return out
}

func (m *module) State() framework.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *module) setState(s framework.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *module) LastModified() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastModified
}

func (m *module) StartLevel() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startLevel
}

func (m *module) record() store.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return store.Record{
		ID:           m.id,
		Location:     m.location,
		SymbolicName: m.man.SymbolicName,
		Version:      m.man.Version,
		StartLevel:   m.startLevel,
		AutoStart:    m.autoStart,
		LastModified: m.lastModified,
	}
}

// wantsStart reports whether m is marked for start, fits level and is not running.
func (m *module) wantsStart(level int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoStart &&
		m.startLevel <= level &&
		m.state.Is(framework.Installed|framework.Resolved)
}

// SetStartLevel moves m to level, starting or stopping it to match the framework level.
func (m *module) SetStartLevel(ctx context.Context, level int) error {
	if level < 1 {
		return fmt.Errorf("invalid module start level %d", level)
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.State() == framework.Uninstalled {
		return framework.ErrUninstalled
	}

	m.mu.Lock()
	m.startLevel = level
	m.mu.Unlock()
	m.fw.persist(ctx, m, nil)

	active := m.fw.StartLevel()
	switch {
	case level > active && m.State().Is(framework.Active|framework.Starting):
		return m.stop(ctx, false)
	case m.wantsStart(active):
		return m.start(ctx, false)
	}
	return nil
}

func (m *module) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.start(ctx, true)
}

func (m *module) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stop(ctx, true)
}

// start runs the module activator. A persistent start marks the module for
// start; if the framework level is below the module level the start is deferred.
func (m *module) start(ctx context.Context, persistent bool) error {
	st := m.State()
	if st == framework.Uninstalled {
		return framework.ErrUninstalled
	}
	if persistent {
		m.setAutoStart(ctx, true)
	}
	if st.Is(framework.Active | framework.Starting) {
		return nil
	}
	if !m.fw.State().Is(framework.Starting | framework.Active) {
		return nil
	}
	if m.StartLevel() > m.fw.StartLevel() {
		return nil
	}
	if err := m.fw.resolve(m); err != nil {
		return err
	}

	m.setState(framework.Starting)
	if name := m.manifest().Activator; name != "" {
		act, err := m.fw.registry.NewActivator(name)
		if err != nil {
			m.setState(framework.Resolved)
			return err
		}
		if err := act.Start(ctx, &framework.ActivatorContext{Framework: m.fw, Module: m}); err != nil {
			m.fw.services.UnregisterModule(m.id)
			m.setState(framework.Resolved)
			m.fw.Log(framework.LogEntry{Level: framework.LogError, ModuleID: m.id, Message: "activator failed to start", Err: err})
			return fmt.Errorf("failed to start %s: %w", m.SymbolicName(), err)
		}
		m.mu.Lock()
		m.activator = act
		m.mu.Unlock()
	}
	m.setState(framework.Active)
	m.fw.logger.Debug("module started", zap.Int64("id", m.id), zap.String("symbolic_name", m.SymbolicName()))
	return nil
}

func (m *module) stop(ctx context.Context, persistent bool) error {
	st := m.State()
	if st == framework.Uninstalled {
		return framework.ErrUninstalled
	}
	if persistent {
		m.setAutoStart(ctx, false)
	}
	if !st.Is(framework.Active | framework.Starting) {
		return nil
	}

	m.setState(framework.Stopping)
	m.mu.Lock()
	act := m.activator
	m.activator = nil
	m.mu.Unlock()

	var err error
	if act != nil {
		err = act.Stop(ctx)
	}
	m.fw.services.UnregisterModule(m.id)
	m.setState(framework.Resolved)
	m.fw.logger.Debug("module stopped", zap.Int64("id", m.id), zap.String("symbolic_name", m.SymbolicName()))
	if err != nil {
		return fmt.Errorf("failed to stop %s: %w", m.SymbolicName(), err)
	}
	return nil
}

func (m *module) setAutoStart(ctx context.Context, v bool) {
	m.mu.Lock()
	changed := m.autoStart != v
	m.autoStart = v
	m.mu.Unlock()
	if changed {
		m.fw.persist(ctx, m, nil)
	}
}

// Update replaces the module content, restarting it when it was active.
func (m *module) Update(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	man, err := manifest.Parse(data)
	if err != nil {
		return fmt.Errorf("%w: %v", framework.ErrInvalidArtifact, err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.State() == framework.Uninstalled {
		return framework.ErrUninstalled
	}

	wasActive := m.State().Is(framework.Active | framework.Starting)
	if wasActive {
		if err := m.stop(ctx, false); err != nil {
			m.fw.logger.Warn("error stopping module for update", zap.Int64("id", m.id), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.man = man
	m.state = framework.Installed
	m.lastModified = time.Now().UTC()
	m.mu.Unlock()
	m.fw.persist(ctx, m, data)
	m.fw.Log(framework.LogEntry{Level: framework.LogInfo, ModuleID: m.id, Message: "updated " + m.location})

	if wasActive {
		return m.start(ctx, false)
	}
	return nil
}

// Uninstall stops the module and removes it from the framework and its storage.
func (m *module) Uninstall(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.State() == framework.Uninstalled {
		return framework.ErrUninstalled
	}
	if m.State().Is(framework.Active | framework.Starting) {
		if err := m.stop(ctx, false); err != nil {
			m.fw.logger.Warn("error stopping module for uninstall", zap.Int64("id", m.id), zap.Error(err))
		}
	}
	m.setState(framework.Uninstalled)
	m.fw.forget(m)
	m.fw.unpersist(ctx, m)
	m.fw.Log(framework.LogEntry{Level: framework.LogInfo, ModuleID: m.id, Message: "uninstalled " + m.location})
	return nil
}
