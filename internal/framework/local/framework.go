// Package local is the built-in in-process framework runtime. Modules are
// manifest-described archives; activators named in a manifest come from the
// framework registry.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/manifest"
	"github.com/kandev/fwagent/internal/framework/store"
)

// FactoryName is the name the local runtime registers under.
const FactoryName = "local"

const metaNextID = "next_id"

func init() {
	framework.DefaultRegistry.RegisterFactory(FactoryName, framework.FactoryFunc(New))
}

// Framework is the local runtime.
type Framework struct {
	framework.Listeners

	name       string
	props      map[string]string
	storageDir string
	registry   *framework.Registry
	services   *framework.ServiceRegistry
	logger     *logger.Logger

	mu             sync.RWMutex
	state          framework.State
	modules        map[int64]*module
	byLocation     map[string]*module
	nextID         int64
	startLevel     int
	beginningLevel int
	initialLevel   int
	store          *store.Store

	levelMu   sync.Mutex
	refreshMu sync.Mutex
	stopped   chan struct{}
	stopOnce  sync.Once
}

var _ framework.Framework = (*Framework)(nil)

// New creates an uninitialized local framework.
func New(cfg framework.Config) (framework.Framework, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("framework name is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = framework.DefaultRegistry
	}

	props := make(map[string]string, len(cfg.Properties))
	for k, v := range cfg.Properties {
		props[k] = v
	}

	beginning := 1
	if v := props[framework.PropBeginningLevel]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s %q", framework.PropBeginningLevel, v)
		}
		beginning = n
	}

	return &Framework{
		name:           cfg.Name,
		props:          props,
		storageDir:     cfg.StorageDir,
		registry:       registry,
		services:       framework.NewServiceRegistry(),
		logger:         log.WithFramework(cfg.Name).WithFields(zap.String("component", "local-framework")),
		state:          framework.Installed,
		modules:        make(map[int64]*module),
		byLocation:     make(map[string]*module),
		nextID:         1,
		beginningLevel: beginning,
		initialLevel:   1,
		stopped:        make(chan struct{}),
	}, nil
}

func (f *Framework) Name() string { return f.name }

func (f *Framework) State() framework.State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *Framework) setState(s framework.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Framework) Properties() map[string]string {
	out := make(map[string]string, len(f.props))
	for k, v := range f.props {
		out[k] = v
	}
	return out
}

func (f *Framework) Property(key string) string {
	return f.props[key]
}

func (f *Framework) Services() *framework.ServiceRegistry {
	return f.services
}

// Init opens the storage directory and restores persisted modules.
func (f *Framework) Init(ctx context.Context) error {
	if f.State() != framework.Installed {
		return nil
	}
	if f.storageDir != "" {
		st, err := store.Open(f.storageDir)
		if err != nil {
			return fmt.Errorf("failed to open framework storage: %w", err)
		}
		if f.props[framework.PropStorageClean] == framework.StorageCleanOnFirstInit {
			if err := st.Clear(ctx); err != nil {
				_ = st.Close()
				return fmt.Errorf("failed to clean framework storage: %w", err)
			}
		}
		if err := f.restore(ctx, st); err != nil {
			_ = st.Close()
			return err
		}
		f.store = st
	}
	f.setState(framework.Starting)
	return nil
}

func (f *Framework) restore(ctx context.Context, st *store.Store) error {
	recs, err := st.List(ctx)
	if err != nil {
		return err
	}
	next, err := st.GetInt(ctx, metaNextID, 1)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		data, err := st.ReadArtifact(rec.ID)
		if err != nil {
			f.logger.Warn("dropping module with missing artifact", zap.Int64("id", rec.ID), zap.Error(err))
			continue
		}
		man, err := manifest.Parse(data)
		if err != nil {
			f.logger.Warn("dropping module with invalid artifact", zap.Int64("id", rec.ID), zap.Error(err))
			continue
		}
		m := &module{
			fw:           f,
			id:           rec.ID,
			location:     rec.Location,
			man:          man,
			state:        framework.Installed,
			startLevel:   rec.StartLevel,
			autoStart:    rec.AutoStart,
			lastModified: rec.LastModified,
		}
		f.modules[m.id] = m
		f.byLocation[m.location] = m
		if m.id >= next {
			next = m.id + 1
		}
	}
	f.nextID = next
	f.logger.Debug("restored modules", zap.Int("count", len(f.modules)))
	return nil
}

// Start initializes if needed, raises the start level to the beginning level and fires STARTED.
func (f *Framework) Start(ctx context.Context) error {
	if err := f.Init(ctx); err != nil {
		return err
	}
	switch f.State() {
	case framework.Active:
		return nil
	case framework.Resolved, framework.Stopping:
		return fmt.Errorf("framework %s has been stopped", f.name)
	}
	f.mu.RLock()
	beginning := f.beginningLevel
	f.mu.RUnlock()

	if err := f.SetStartLevel(ctx, beginning); err != nil {
		return err
	}
	f.setState(framework.Active)
	f.logger.Info("framework started", zap.Int("start_level", beginning))
	f.Fire(framework.Event{Type: framework.EventStarted})
	return nil
}

// Stop stops every module, closes storage and releases WaitForStop.
func (f *Framework) Stop(ctx context.Context) error {
	if !f.State().Is(framework.Active | framework.Starting) {
		return nil
	}
	f.setState(framework.Stopping)

	err := f.SetStartLevel(ctx, 0)

	f.mu.Lock()
	st := f.store
	f.store = nil
	f.state = framework.Resolved
	f.mu.Unlock()
	if st != nil {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	f.logger.Info("framework stopped")
	f.Fire(framework.Event{Type: framework.EventStopped})
	f.stopOnce.Do(func() { close(f.stopped) })
	return err
}

func (f *Framework) WaitForStop(ctx context.Context) error {
	select {
	case <-f.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Install installs the artifact at location, or returns the module already installed there.
func (f *Framework) Install(ctx context.Context, location string, r io.Reader) (framework.Module, error) {
	if location == "" {
		return nil, fmt.Errorf("location is required")
	}
	if m, ok := f.ModuleByLocation(location); ok {
		return m, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	man, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", framework.ErrInvalidArtifact, err)
	}

	f.mu.Lock()
	if !f.state.Is(framework.Starting | framework.Active) {
		f.mu.Unlock()
		return nil, framework.ErrNotActive
	}
	if existing, ok := f.byLocation[location]; ok {
		f.mu.Unlock()
		return existing, nil
	}
	m := &module{
		fw:           f,
		id:           f.nextID,
		location:     location,
		man:          man,
		state:        framework.Installed,
		startLevel:   f.initialLevel,
		lastModified: time.Now().UTC(),
	}
	f.nextID++
	f.modules[m.id] = m
	f.byLocation[location] = m
	next := f.nextID
	st := f.store
	f.mu.Unlock()

	if st != nil {
		err := st.Save(ctx, m.record(), data)
		if err == nil {
			err = st.SetInt(ctx, metaNextID, next)
		}
		if err != nil {
			f.forget(m)
			return nil, fmt.Errorf("failed to persist module: %w", err)
		}
	}

	f.logger.Debug("module installed",
		zap.Int64("id", m.id),
		zap.String("location", location),
		zap.String("symbolic_name", man.SymbolicName))
	f.Log(framework.LogEntry{Level: framework.LogInfo, ModuleID: m.id, Message: "installed " + location})
	return m, nil
}

func (f *Framework) Module(id int64) (framework.Module, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.modules[id]
	if !ok {
		return nil, false
	}
	return m, true
}

func (f *Framework) ModuleByLocation(location string) (framework.Module, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.byLocation[location]
	if !ok {
		return nil, false
	}
	return m, true
}

// Modules returns the installed modules ordered by id.
func (f *Framework) Modules() []framework.Module {
	mods := f.sortedModules()
	out := make([]framework.Module, len(mods))
	for i, m := range mods {
		out[i] = m
	}
	return out
}

func (f *Framework) sortedModules() []*module {
	f.mu.RLock()
	out := make([]*module, 0, len(f.modules))
	for _, m := range f.modules {
		out = append(out, m)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (f *Framework) forget(m *module) {
	f.mu.Lock()
	delete(f.modules, m.id)
	if f.byLocation[m.location] == m {
		delete(f.byLocation, m.location)
	}
	f.mu.Unlock()
	f.services.UnregisterModule(m.id)
}

func (f *Framework) persist(ctx context.Context, m *module, data []byte) {
	f.mu.RLock()
	st := f.store
	f.mu.RUnlock()
	if st == nil {
		return
	}
	if err := st.Save(ctx, m.record(), data); err != nil {
		f.logger.Warn("failed to persist module", zap.Int64("id", m.id), zap.Error(err))
	}
}

func (f *Framework) unpersist(ctx context.Context, m *module) {
	f.mu.RLock()
	st := f.store
	f.mu.RUnlock()
	if st == nil {
		return
	}
	if err := st.Delete(ctx, m.id); err != nil {
		f.logger.Warn("failed to delete module record", zap.Int64("id", m.id), zap.Error(err))
	}
}

// provides reports whether a live module other than self declares symbolicName.
func (f *Framework) provides(symbolicName string, self *module) bool {
	for _, m := range f.sortedModules() {
		if m == self || m.State() == framework.Uninstalled {
			continue
		}
		if m.SymbolicName() == symbolicName {
			return true
		}
	}
	return false
}

// resolve checks every requirement of m and moves it to RESOLVED.
func (f *Framework) resolve(m *module) error {
	for _, req := range m.manifest().Requires {
		if !f.provides(req, m) {
			return fmt.Errorf("%w: %s requires %s", framework.ErrUnresolved, m.SymbolicName(), req)
		}
	}
	if m.State() == framework.Installed {
		m.setState(framework.Resolved)
	}
	return nil
}

// Refresh re-resolves every module in the background. Active modules whose
// requirements disappeared are stopped; modules that become resolvable again
// and are marked for start are restarted.
func (f *Framework) Refresh(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.refreshMu.Lock()
		defer f.refreshMu.Unlock()
		f.refresh(context.WithoutCancel(ctx))
	}()
	return done
}

func (f *Framework) refresh(ctx context.Context) {
	mods := f.sortedModules()
	for _, m := range mods {
		if m.State() == framework.Uninstalled {
			continue
		}
		if err := f.resolve(m); err != nil {
			m.opMu.Lock()
			if m.State().Is(framework.Active | framework.Starting) {
				if serr := m.stop(ctx, false); serr != nil {
					f.logger.Warn("failed to stop unresolved module", zap.Int64("id", m.id), zap.Error(serr))
				}
			}
			m.setState(framework.Installed)
			m.opMu.Unlock()
			f.Log(framework.LogEntry{Level: framework.LogWarn, ModuleID: m.id, Message: "unresolved after refresh", Err: err})
		}
	}

	level := f.StartLevel()
	for _, m := range mods {
		if !m.wantsStart(level) {
			continue
		}
		m.opMu.Lock()
		if err := m.start(ctx, false); err != nil {
			f.logger.Debug("module not restarted after refresh", zap.Int64("id", m.id), zap.Error(err))
		}
		m.opMu.Unlock()
	}
	f.Fire(framework.Event{Type: framework.EventPackagesRefreshed})
}

func (f *Framework) StartLevel() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.startLevel
}

// SetStartLevel moves the active start level, starting marked modules on the
// way up (lowest level first) and stopping modules on the way down (highest first).
func (f *Framework) SetStartLevel(ctx context.Context, level int) error {
	if level < 0 {
		return fmt.Errorf("invalid start level %d", level)
	}
	f.levelMu.Lock()
	defer f.levelMu.Unlock()

	f.mu.Lock()
	old := f.startLevel
	f.startLevel = level
	f.mu.Unlock()
	if old == level {
		return nil
	}

	mods := f.sortedModules()
	var errs []error
	if level > old {
		sort.SliceStable(mods, func(i, j int) bool { return mods[i].StartLevel() < mods[j].StartLevel() })
		for _, m := range mods {
			if !m.wantsStart(level) {
				continue
			}
			m.opMu.Lock()
			err := m.start(ctx, false)
			m.opMu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("module %d: %w", m.id, err))
			}
		}
	} else {
		sort.SliceStable(mods, func(i, j int) bool { return mods[i].StartLevel() > mods[j].StartLevel() })
		for _, m := range mods {
			if m.StartLevel() <= level || !m.State().Is(framework.Active|framework.Starting) {
				continue
			}
			m.opMu.Lock()
			err := m.stop(ctx, false)
			m.opMu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("module %d: %w", m.id, err))
			}
		}
	}

	f.Fire(framework.Event{Type: framework.EventStartLevelChanged, Message: strconv.Itoa(level)})
	for _, err := range errs {
		f.Log(framework.LogEntry{Level: framework.LogError, Message: "start level change", Err: err})
	}
	// Modules that fail to start on the way up are reported through the log only.
	if level > old {
		return nil
	}
	return errors.Join(errs...)
}

func (f *Framework) SetBeginningStartLevel(level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if level > 0 {
		f.beginningLevel = level
	}
}

func (f *Framework) InitialModuleStartLevel() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initialLevel
}

func (f *Framework) SetInitialModuleStartLevel(level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if level > 0 {
		f.initialLevel = level
	}
}

// Log records entry with the framework logger and forwards it to log listeners.
func (f *Framework) Log(entry framework.LogEntry) {
	fields := []zap.Field{zap.Int64("module_id", entry.ModuleID)}
	if entry.Err != nil {
		fields = append(fields, zap.Error(entry.Err))
	}
	f.logger.Debug(entry.Message, fields...)
	f.Listeners.Log(entry)
}
