package redirect

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
)

const (
	socketRetryDelay  = time.Second
	socketDialTimeout = 2 * time.Second
	legacyLoopback    = "127.0.0.1"
)

// socketRedirector connects to a local TCP port and relays the console
// through it. It keeps reconnecting until closed.
type socketRedirector struct {
	port    int
	hosts   []string
	console *Console
	logger  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conn   net.Conn
	handle *ConsoleHandle
}

func newSocket(configuredHost string, port int, console *Console, log *logger.Logger) *socketRedirector {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socketRedirector{
		port:    port,
		hosts:   socketHosts(configuredHost),
		console: console,
		logger:  log.WithFields(zap.Int("port", port)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// socketHosts is the dial order: configured host, legacy loopback, local host name.
func socketHosts(configured string) []string {
	var hosts []string
	seen := map[string]bool{}
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	add(configured)
	add(legacyLoopback)
	if name, err := os.Hostname(); err == nil {
		add(name)
	}
	return hosts
}

func (s *socketRedirector) run(ctx context.Context) {
	defer close(s.done)
	dialer := &net.Dialer{Timeout: socketDialTimeout}
	for {
		for _, host := range s.hosts {
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(s.port)))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debug("socket redirect dial failed", zap.String("host", host), zap.Error(err))
				continue
			}
			s.logger.Debug("socket redirect connected", zap.String("host", host))
			s.relay(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(socketRetryDelay):
		}
	}
}

// relay bridges conn and the console until either side ends.
func (s *socketRedirector) relay(ctx context.Context, conn net.Conn) {
	h, err := s.console.Attach(conn, conn)
	if err != nil {
		s.logger.Warn("socket redirect could not attach console", zap.Error(err))
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.conn, s.handle = conn, h
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			_ = h.Stdin(string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("socket redirect read ended", zap.Error(err))
			}
			break
		}
	}

	s.mu.Lock()
	s.conn, s.handle = nil, nil
	s.mu.Unlock()
	_ = h.Close()
	_ = conn.Close()
}

func (s *socketRedirector) Stdin(text string) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Stdin(text)
}

func (s *socketRedirector) Out() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn
	}
	return os.Stdout
}

// Connected reports whether a relay is running.
func (s *socketRedirector) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *socketRedirector) Close() error {
	s.cancel()
	<-s.done
	return nil
}
