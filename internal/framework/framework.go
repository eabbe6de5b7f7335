// Package framework defines the modular runtime the agent manages: modules,
// their lifecycle states, runtime factories, embedded activators, services and
// framework events.
package framework

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kandev/fwagent/internal/common/logger"
)

// State is a module or framework lifecycle state. Values are bit flags so
// callers can test against a mask.
type State int

const (
	Uninstalled State = 1
	Installed   State = 2
	Resolved    State = 4
	Starting    State = 8
	Stopping    State = 16
	Active      State = 32
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "UNINSTALLED"
	case Installed:
		return "INSTALLED"
	case Resolved:
		return "RESOLVED"
	case Starting:
		return "STARTING"
	case Stopping:
		return "STOPPING"
	case Active:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

// Is reports whether s is one of the states in mask.
func (s State) Is(mask State) bool {
	return s&mask != 0
}

// Well-known configuration keys.
const (
	PropFactory            = "framework.factory"
	PropEmbeddedActivators = "framework.embedded.activators"
	PropStorageClean       = "framework.storage.clean"
	PropBeginningLevel     = "framework.beginning.startlevel"

	// StorageCleanOnFirstInit wipes persisted modules when the framework is initialized.
	StorageCleanOnFirstInit = "onFirstInit"
)

var (
	ErrNoFactory        = errors.New("no framework factory found")
	ErrUninstalled      = errors.New("module is uninstalled")
	ErrNotActive        = errors.New("framework is not active")
	ErrUnresolved       = errors.New("module cannot be resolved")
	ErrInvalidArtifact  = errors.New("invalid module artifact")
	ErrUnknownActivator = errors.New("unknown activator")
)

// Module is one installed unit.
type Module interface {
	ID() int64
	Location() string
	SymbolicName() string
	Version() string
	State() State
	LastModified() time.Time
	Headers() map[string]string
	StartLevel() int
	SetStartLevel(ctx context.Context, level int) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Update replaces the module content. An active module is restarted.
	Update(ctx context.Context, r io.Reader) error
	Uninstall(ctx context.Context) error
}

// Framework is a running modular runtime.
type Framework interface {
	Name() string
	State() State
	Properties() map[string]string
	Property(key string) string

	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// WaitForStop blocks until a Stop has completed or ctx is done.
	WaitForStop(ctx context.Context) error

	// Install installs the artifact read from r at location. If a module is
	// already installed at location it is returned unchanged.
	Install(ctx context.Context, location string, r io.Reader) (Module, error)
	Module(id int64) (Module, bool)
	ModuleByLocation(location string) (Module, bool)
	Modules() []Module

	// Refresh re-resolves module wiring in the background. The returned
	// channel is closed once the refresh has finished.
	Refresh(ctx context.Context) <-chan struct{}

	StartLevel() int
	SetStartLevel(ctx context.Context, level int) error
	SetBeginningStartLevel(level int)
	InitialModuleStartLevel() int
	SetInitialModuleStartLevel(level int)

	Services() *ServiceRegistry
	AddListener(fn Listener) (remove func())
	AddLogListener(fn LogListener) (remove func())
	Log(entry LogEntry)
}

// Config is handed to a Factory.
type Config struct {
	Name       string
	StorageDir string
	Properties map[string]string
	Registry   *Registry
	Logger     *logger.Logger
}

// Factory builds an uninitialized framework.
type Factory interface {
	New(cfg Config) (Framework, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg Config) (Framework, error)

func (f FactoryFunc) New(cfg Config) (Framework, error) {
	return f(cfg)
}

// Activator is started with the framework when named in the embedded
// activators list, or with a module whose manifest names it.
type Activator interface {
	Start(ctx context.Context, actx *ActivatorContext) error
	Stop(ctx context.Context) error
}

// ActivatorContext gives an activator access to its runtime.
type ActivatorContext struct {
	Framework Framework
	// Module is nil for embedded activators.
	Module Module
}

// ModuleID returns the owning module id, 0 for embedded activators.
func (a *ActivatorContext) ModuleID() int64 {
	if a.Module == nil {
		return 0
	}
	return a.Module.ID()
}

// CommandProcessorService is the service name command processors register under.
const CommandProcessorService = "command.processor"

// CommandProcessor runs interactive shell sessions.
type CommandProcessor interface {
	NewSession(stdin io.Reader, stdout, stderr io.Writer) (CommandSession, error)
}

// CommandSession is one running shell session.
type CommandSession interface {
	Close() error
}

// ScreenRenderer is implemented by command sessions that keep a rendered
// terminal screen; its text is what shell() returns for them.
type ScreenRenderer interface {
	Screen() string
}
