// Package dispatcher keeps the registry of running frameworks, attaches
// Supervisor connections to them as sessions and accepts those connections.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/fwagent/internal/common/errors"
	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/events/bus"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/startlevel"
	"github.com/kandev/fwagent/internal/remote/redirect"
	"github.com/kandev/fwagent/internal/remote/session"
	"github.com/kandev/fwagent/internal/shacache"
	"github.com/kandev/fwagent/internal/tracing"
	"github.com/kandev/fwagent/pkg/remote/link"
)

const defaultShutdownTimeout = 10 * time.Second

// Config configures a Dispatcher.
type Config struct {
	// DefaultFramework receives plain connections. Empty means connections
	// go through the envoy handshake.
	DefaultFramework string
	// StorageRoot holds one storage directory per framework.
	StorageRoot string
	// CacheDir is the content cache shared by every framework unless overridden.
	CacheDir        string
	ShutdownTimeout time.Duration
	ShellSettle     time.Duration
	SocketHost      string
	LocalOnly       bool
	// Console defaults to the process-wide console.
	Console    *redirect.Console
	HTTPClient *http.Client
}

// Dispatcher is the registry of Descriptors.
type Dispatcher struct {
	cfg      Config
	registry *framework.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	mu         sync.RWMutex
	frameworks map[string]*Descriptor
	pending    map[string]bool

	cacheMu sync.Mutex
	caches  map[string]*shacache.Cache
}

// New creates a dispatcher. A nil registry means framework.DefaultRegistry and
// a nil bus an in-memory one.
func New(cfg Config, registry *framework.Registry, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	if registry == nil {
		registry = framework.DefaultRegistry
	}
	if eventBus == nil {
		eventBus = bus.NewMemoryEventBus(log)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "dispatcher")),
		frameworks: make(map[string]*Descriptor),
		pending:    make(map[string]bool),
		caches:     make(map[string]*shacache.Cache),
	}
}

// CreateFramework creates, initializes and starts a framework named name.
// The factory is picked by the framework.factory property, then the
// environment, then the registry default. An empty storageDir means
// StorageRoot/name. An empty cacheDir means the fwagent.cache.dir property,
// then Config.CacheDir.
func (d *Dispatcher) CreateFramework(ctx context.Context, name string, props map[string]string, storageDir, cacheDir string) (desc *Descriptor, err error) {
	if name == "" {
		return nil, errors.BadRequest("framework name is required")
	}
	d.mu.Lock()
	if _, ok := d.frameworks[name]; ok || d.pending[name] {
		d.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("framework %s already exists", name))
	}
	d.pending[name] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, name)
		if err == nil {
			d.frameworks[name] = desc
		}
		d.mu.Unlock()
	}()

	if props == nil {
		props = map[string]string{}
	}
	factoryName, factory, err := d.registry.ResolveFactory(props[framework.PropFactory])
	if err != nil {
		return nil, errors.Wrap(err, "no runtime factory for framework "+name)
	}

	ctx, span := tracing.TraceCreateFramework(ctx, name, factoryName)
	defer span.End()
	defer func() { tracing.RecordError(span, err) }()

	log := d.logger.WithFramework(name)
	if storageDir == "" {
		storageDir = filepath.Join(d.cfg.StorageRoot, name)
	}
	fw, err := factory.New(framework.Config{
		Name:       name,
		StorageDir: storageDir,
		Properties: props,
		Registry:   d.registry,
		Logger:     log,
	})
	if err != nil {
		return nil, errors.InternalError("failed to create framework "+name, err)
	}
	policy, err := startlevel.New(props, log)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	if cacheDir == "" {
		cacheDir = props[PropCacheDir]
	}
	if cacheDir == "" {
		cacheDir = d.cfg.CacheDir
	}
	cache, err := d.cacheFor(cacheDir)
	if err != nil {
		return nil, errors.InternalError("failed to open content cache", err)
	}

	desc = &Descriptor{
		Name:       name,
		Factory:    factoryName,
		Framework:  fw,
		Config:     props,
		StorageDir: storageDir,
		CacheDir:   cacheDir,
		Policy:     policy,
		Cache:      cache,
		CreatedAt:  time.Now().UTC(),
		logger:     log,
		sessions:   make(map[string]*session.Session),
	}
	desc.unbridge = bridge(fw, d.bus, log)

	if err := fw.Init(ctx); err != nil {
		desc.unbridge()
		return nil, errors.InternalError("failed to initialize framework "+name, err)
	}
	if err := policy.BeforeStart(ctx, fw); err != nil {
		d.abandon(ctx, desc)
		return nil, errors.InternalError("start level policy failed", err)
	}
	if err := fw.Start(ctx); err != nil {
		d.abandon(ctx, desc)
		return nil, errors.InternalError("failed to start framework "+name, err)
	}
	if err := policy.AfterStart(ctx); err != nil {
		log.Warn("start level policy failed after start", zap.Error(err))
	}
	desc.startActivators(ctx, d.registry, framework.SplitList(props[framework.PropEmbeddedActivators]))

	log.Info("framework created",
		zap.String("factory", factoryName),
		zap.String("storage_dir", storageDir),
		zap.String("cache_dir", cacheDir))
	return desc, nil
}

// abandon stops a framework that initialized but failed to start, releasing its storage.
func (d *Dispatcher) abandon(ctx context.Context, desc *Descriptor) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout)
	defer cancel()
	desc.Policy.Close()
	if err := desc.Framework.Stop(stopCtx); err != nil {
		desc.logger.Warn("failed to stop framework after a failed start", zap.Error(err))
	}
	desc.unbridge()
}

// PropCacheDir overrides the content cache directory for one framework.
const PropCacheDir = "fwagent.cache.dir"

// cacheFor returns the shared cache for dir.
func (d *Dispatcher) cacheFor(dir string) (*shacache.Cache, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if c, ok := d.caches[dir]; ok {
		return c, nil
	}
	c, err := shacache.New(dir)
	if err != nil {
		return nil, err
	}
	d.caches[dir] = c
	return c, nil
}

// Get returns the descriptor named name.
func (d *Dispatcher) Get(name string) (*Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	desc, ok := d.frameworks[name]
	return desc, ok
}

// List returns every descriptor ordered by name.
func (d *Dispatcher) List() []*Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Descriptor, 0, len(d.frameworks))
	for _, desc := range d.frameworks {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CloseFramework closes the named framework and its sessions.
func (d *Dispatcher) CloseFramework(ctx context.Context, name string) error {
	d.mu.Lock()
	desc, ok := d.frameworks[name]
	if ok {
		delete(d.frameworks, name)
	}
	d.mu.Unlock()
	if !ok {
		return errors.NotFound("framework", name)
	}
	err := desc.close(ctx, d.cfg.ShutdownTimeout)
	if err != nil {
		desc.logger.Warn("framework closed with errors", zap.Error(err))
	} else {
		desc.logger.Info("framework closed")
	}
	return err
}

// ShutdownAll closes every framework in parallel. Individual failures are
// logged, not returned.
func (d *Dispatcher) ShutdownAll(ctx context.Context) {
	d.mu.Lock()
	all := make([]*Descriptor, 0, len(d.frameworks))
	for _, desc := range d.frameworks {
		all = append(all, desc)
	}
	d.frameworks = make(map[string]*Descriptor)
	d.mu.Unlock()

	var g errgroup.Group
	for _, desc := range all {
		g.Go(func() error {
			if err := desc.close(ctx, d.cfg.ShutdownTimeout); err != nil {
				desc.logger.Warn("framework shutdown failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	d.logger.Info("all frameworks closed", zap.Int("count", len(all)))
}

// Attach serves a new session for desc over rwc.
func (d *Dispatcher) Attach(ctx context.Context, desc *Descriptor, rwc io.ReadWriteCloser) (*session.Session, error) {
	l := link.New(rwc, desc.logger)
	s, err := d.bind(ctx, desc, l)
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}
	l.Start()
	return s, nil
}

// bind creates a session for desc and serves it on l.
func (d *Dispatcher) bind(_ context.Context, desc *Descriptor, l *link.Link) (*session.Session, error) {
	if st := desc.Framework.State(); st != framework.Active {
		return nil, errors.PreconditionFailed(fmt.Sprintf("framework %s is %s", desc.Name, st))
	}
	s, err := session.New(session.Options{
		Framework:   desc.Framework,
		Cache:       desc.Cache,
		Policy:      desc.Policy,
		Bus:         d.bus,
		SocketHost:  d.cfg.SocketHost,
		ShellSettle: d.cfg.ShellSettle,
		Console:     d.cfg.Console,
		HTTPClient:  d.cfg.HTTPClient,
		Logger:      desc.logger,
		OnClose:     desc.detach,
	})
	if err != nil {
		return nil, errors.InternalError("failed to create session", err)
	}
	if err := desc.add(s); err != nil {
		return nil, errors.PreconditionFailed(err.Error())
	}
	s.Bind(l)
	desc.logger.Info("session attached", zap.String("session_id", s.ID()))
	return s, nil
}
