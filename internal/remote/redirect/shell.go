package redirect

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/remote/ringbuf"
)

// shellRedirector drives the registered command processor. When the tracked
// processor service goes away it rebinds to any remaining one.
type shellRedirector struct {
	fw       framework.Framework
	settle   time.Duration
	logger   *logger.Logger
	capture  *capture
	stdout   io.Writer
	stderr   io.Writer
	unwatch  func()
	closedMu sync.Mutex
	closed   bool

	mu      sync.Mutex
	reg     *framework.ServiceRegistration
	session framework.CommandSession
	stdin   *ringbuf.Buffer
}

func newShell(fw framework.Framework, stdout, stderr io.Writer, settle time.Duration, log *logger.Logger) (*shellRedirector, error) {
	reg, ok := fw.Services().Get(framework.CommandProcessorService)
	if !ok {
		return nil, ErrNoProcessor
	}
	s := &shellRedirector{
		fw:      fw,
		settle:  settle,
		logger:  log.WithFields(zap.String("redirect", "shell")),
		capture: &capture{},
	}
	s.stdout = io.MultiWriter(s.capture, stdout)
	s.stderr = io.MultiWriter(s.capture, stderr)

	if err := s.bind(reg); err != nil {
		return nil, err
	}
	s.unwatch = fw.Services().Watch(framework.CommandProcessorService, s.onServiceEvent)
	return s, nil
}

func (s *shellRedirector) onServiceEvent(evt framework.ServiceEvent) {
	if s.isClosed() {
		return
	}
	s.mu.Lock()
	current := s.reg
	s.mu.Unlock()

	switch evt.Type {
	case framework.ServiceUnregistered:
		if current == nil || evt.Registration.ID != current.ID {
			return
		}
		next, ok := s.fw.Services().Get(framework.CommandProcessorService)
		if !ok {
			s.logger.Debug("command processor gone")
			_ = s.bind(nil)
			return
		}
		if err := s.bind(next); err != nil {
			s.logger.Warn("failed to rebind shell", zap.Error(err))
		}
	case framework.ServiceRegistered:
		if current != nil {
			return
		}
		if err := s.bind(evt.Registration); err != nil {
			s.logger.Warn("failed to bind shell", zap.Error(err))
		}
	}
}

// bind closes the current command session and opens one on reg. A nil reg
// leaves the redirector unbound until a processor appears.
func (s *shellRedirector) bind(reg *framework.ServiceRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	s.reg = nil
	if reg == nil {
		return nil
	}

	proc, ok := reg.Service.(framework.CommandProcessor)
	if !ok {
		return ErrNoProcessor
	}
	stdin := ringbuf.New(ringbuf.DefaultCapacity)
	sess, err := proc.NewSession(stdin, s.stdout, s.stderr)
	if err != nil {
		_ = stdin.Close()
		return err
	}
	s.reg, s.session, s.stdin = reg, sess, stdin
	s.logger.Debug("shell bound", zap.Int64("service_id", reg.ID))
	return nil
}

func (s *shellRedirector) Stdin(text string) error {
	s.mu.Lock()
	in := s.stdin
	s.mu.Unlock()
	if in == nil {
		return ErrNoProcessor
	}
	_, err := in.WriteString(text)
	return err
}

func (s *shellRedirector) Out() io.Writer {
	return s.stdout
}

// Exec sends cmd and waits until the output has been quiet for the settle
// period, returning the rendered screen for terminal processors and the raw
// captured output otherwise.
func (s *shellRedirector) Exec(ctx context.Context, cmd string) (string, error) {
	s.capture.Reset()
	if err := s.Stdin(cmd + "\n"); err != nil {
		return "", err
	}

	start := time.Now()
	tick := s.settle / 5
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.result(), ctx.Err()
		case now := <-ticker.C:
			quiet := now.Sub(s.capture.LastWrite(start)) >= s.settle
			if quiet || now.Sub(start) >= maxShellWait {
				return s.result(), nil
			}
		}
	}
}

func (s *shellRedirector) result() string {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if r, ok := sess.(framework.ScreenRenderer); ok {
		return r.Screen()
	}
	return s.capture.String()
}

func (s *shellRedirector) isClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

func (s *shellRedirector) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	if s.unwatch != nil {
		s.unwatch()
	}
	return s.bind(nil)
}

// capture records output produced since the last Reset.
type capture struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	last time.Time
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Now()
	return c.buf.Write(p)
}

func (c *capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
	c.last = time.Time{}
}

// LastWrite returns the time of the last write, or since when nothing was written.
func (c *capture) LastWrite(since time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Before(since) {
		return since
	}
	return c.last
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
