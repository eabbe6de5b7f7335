// Package redirect bridges a session's process I/O to its Supervisor. A
// Switch holds exactly one active target (None, Console, Shell or Socket) and
// always closes the outgoing target before building the next one.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/pkg/remote/protocol"
)

// ErrNoProcessor is returned when no command processor service is registered.
var ErrNoProcessor = errors.New("no command processor available")

// Kind is the redirect variant.
type Kind int

const (
	KindNone Kind = iota
	KindConsole
	KindShell
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConsole:
		return "console"
	case KindShell:
		return "shell"
	case KindSocket:
		return "socket"
	}
	return "unknown"
}

// Target is a redirect destination. Port is only meaningful for KindSocket.
type Target struct {
	Kind Kind
	Port int
}

// TargetFor decodes a redirect port: 0 none, 1 console, any negative value
// the interactive shell, anything else a local TCP port.
func TargetFor(port int) Target {
	switch {
	case port == protocol.RedirectNone:
		return Target{Kind: KindNone}
	case port <= protocol.RedirectShell:
		return Target{Kind: KindShell, Port: protocol.RedirectShell}
	case port == protocol.RedirectConsole:
		return Target{Kind: KindConsole, Port: protocol.RedirectConsole}
	}
	return Target{Kind: KindSocket, Port: port}
}

func (t Target) String() string {
	if t.Kind == KindSocket {
		return fmt.Sprintf("socket:%d", t.Port)
	}
	return t.Kind.String()
}

const (
	defaultShellSettle = 250 * time.Millisecond
	maxShellWait       = 5 * time.Second
)

// Options configures a Switch.
type Options struct {
	Framework framework.Framework
	// Stdout and Stderr receive redirected output destined for the Supervisor.
	Stdout io.Writer
	Stderr io.Writer
	// SocketHost is tried first by the Socket target.
	SocketHost string
	// ShellSettle is the output silence that ends a shell command capture.
	ShellSettle time.Duration
	// Console defaults to the process-wide console.
	Console *Console
	Logger  *logger.Logger
}

// redirector is one active variant.
type redirector interface {
	Stdin(text string) error
	Out() io.Writer
	Close() error
}

// Switch is the per-session redirect state.
type Switch struct {
	opts   Options
	logger *logger.Logger

	mu     sync.Mutex
	target Target
	active redirector
}

// NewSwitch creates a switch in the None state.
func NewSwitch(opts Options) *Switch {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.ShellSettle <= 0 {
		opts.ShellSettle = defaultShellSettle
	}
	if opts.Console == nil {
		opts.Console = DefaultConsole
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Switch{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "redirect")),
		target: Target{Kind: KindNone},
		active: none{},
	}
}

// Target returns the active target.
func (s *Switch) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Redirect moves to the target encoded by port. It returns false when that
// target is already active or, for the shell, when no command processor exists.
func (s *Switch) Redirect(ctx context.Context, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(ctx, TargetFor(port))
}

func (s *Switch) transition(ctx context.Context, next Target) (bool, error) {
	if next == s.target {
		return false, nil
	}
	if next.Kind == KindShell {
		if _, ok := s.opts.Framework.Services().Get(framework.CommandProcessorService); !ok {
			return false, nil
		}
	}

	if err := s.active.Close(); err != nil {
		s.logger.Warn("error closing redirect", zap.Stringer("target", s.target), zap.Error(err))
	}
	s.active = none{}
	s.target = Target{Kind: KindNone}

	r, err := s.build(ctx, next)
	if err != nil {
		return false, err
	}
	s.active = r
	s.target = next
	s.logger.Debug("redirected", zap.Stringer("target", next))
	return true, nil
}

func (s *Switch) build(_ context.Context, t Target) (redirector, error) {
	switch t.Kind {
	case KindNone:
		return none{}, nil
	case KindConsole:
		return s.opts.Console.Attach(s.opts.Stdout, s.opts.Stderr)
	case KindShell:
		return newShell(s.opts.Framework, s.opts.Stdout, s.opts.Stderr, s.opts.ShellSettle, s.logger)
	case KindSocket:
		return newSocket(s.opts.SocketHost, t.Port, s.opts.Console, s.logger), nil
	}
	return nil, fmt.Errorf("unknown redirect kind %d", t.Kind)
}

// Stdin feeds text to the active target.
func (s *Switch) Stdin(text string) error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	return r.Stdin(text)
}

// Out is the writer of the active target.
func (s *Switch) Out() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Out()
}

// Shell switches to the interactive shell if needed, runs cmd and returns
// the output it produced.
func (s *Switch) Shell(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	if s.target.Kind != KindShell {
		ok, err := s.transition(ctx, Target{Kind: KindShell, Port: protocol.RedirectShell})
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
		if !ok {
			s.mu.Unlock()
			return "", ErrNoProcessor
		}
	}
	sh := s.active.(*shellRedirector)
	s.mu.Unlock()
	return sh.Exec(ctx, cmd)
}

// Close returns the switch to None.
func (s *Switch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.active.Close()
	s.active = none{}
	s.target = Target{Kind: KindNone}
	return err
}

// none swallows input and writes to the process stdout.
type none struct{}

func (none) Stdin(string) error { return nil }
func (none) Out() io.Writer     { return os.Stdout }
func (none) Close() error       { return nil }
