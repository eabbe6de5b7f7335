// Package supervisor is the controlling end of an agent link. It serves
// content by hash, receives pushed output and events, and drives the agent
// through protocol.AgentClient.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/shacache"
	"github.com/kandev/fwagent/pkg/remote/link"
	"github.com/kandev/fwagent/pkg/remote/protocol"
	"github.com/kandev/fwagent/pkg/remote/wsconn"
)

// Options configures a Supervisor. Nil callbacks drop what they would receive.
type Options struct {
	Logger           *logger.Logger
	OnStdout         func(text string)
	OnStderr         func(text string)
	OnEvent          func(evt protocol.Event)
	OnLog            func(entry protocol.LogEntry)
	OnFrameworkEvent func(evt protocol.FrameworkEventDTO)
}

// Supervisor holds one link to an agent.
type Supervisor struct {
	opts   Options
	logger *logger.Logger

	mu    sync.RWMutex
	data  map[string][]byte
	paths map[string]string

	exitMu sync.Mutex
	exit   *int

	link  *link.Link
	agent *protocol.AgentClient
}

// New creates an unattached supervisor.
func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "supervisor")),
		data:   make(map[string][]byte),
		paths:  make(map[string]string),
	}
}

// Dial connects to an agent at addr ([host:]port, default port when omitted).
func (s *Supervisor) Dial(ctx context.Context, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if _, perr := strconv.Atoi(addr); perr == nil {
			addr = net.JoinHostPort("localhost", addr)
		} else {
			addr = net.JoinHostPort(addr, strconv.Itoa(protocol.DefaultPort))
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial agent at %s: %w", addr, err)
	}
	s.Attach(conn)
	return nil
}

// DialWebSocket connects to an agent's WebSocket link endpoint.
func (s *Supervisor) DialWebSocket(ctx context.Context, url string) error {
	ws, _, err := gorillaws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial agent at %s: %w", url, err)
	}
	s.Attach(wsconn.New(ws))
	return nil
}

// Attach serves the supervisor methods over rwc.
func (s *Supervisor) Attach(rwc io.ReadWriteCloser) {
	l := link.New(rwc, s.logger)
	l.Handle(protocol.MethodGetFile, s.handleGetFile)
	l.Handle(protocol.MethodStdout, s.textHandler(s.opts.OnStdout))
	l.Handle(protocol.MethodStderr, s.textHandler(s.opts.OnStderr))
	l.Handle(protocol.MethodEvent, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var evt protocol.Event
		if err := link.Decode(raw, &evt); err != nil {
			return nil, err
		}
		if evt.Type == protocol.EventExit {
			s.exitMu.Lock()
			code := evt.Code
			s.exit = &code
			s.exitMu.Unlock()
		}
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(evt)
		}
		return nil, nil
	})
	l.Handle(protocol.MethodLogged, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var entry protocol.LogEntry
		if err := link.Decode(raw, &entry); err != nil {
			return nil, err
		}
		if s.opts.OnLog != nil {
			s.opts.OnLog(entry)
		}
		return nil, nil
	})
	l.Handle(protocol.MethodOnFrameworkEvent, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var evt protocol.FrameworkEventDTO
		if err := link.Decode(raw, &evt); err != nil {
			return nil, err
		}
		if s.opts.OnFrameworkEvent != nil {
			s.opts.OnFrameworkEvent(evt)
		}
		return nil, nil
	})
	s.link = l
	s.agent = protocol.NewAgentClient(l)
	l.Start()
}

func (s *Supervisor) textHandler(fn func(string)) link.Handler {
	return func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.TextParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		if fn != nil {
			fn(p.Text)
		}
		return nil, nil
	}
}

// handleGetFile answers with the requested chunk of the content for a hash,
// or null when unknown. Files added by path are read and verified on the
// first request and served from memory afterwards.
func (s *Supervisor) handleGetFile(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p protocol.GetFileParams
	if err := link.Decode(raw, &p); err != nil {
		return nil, err
	}
	hash, err := shacache.Normalize(p.Hash)
	if err != nil {
		return nil, link.NewError(link.InvalidParams, "%v", err)
	}
	data, ok := s.content(hash)
	if !ok {
		s.logger.Debug("agent asked for unknown content", zap.String("hash", hash))
		return nil, nil
	}
	return protocol.Chunk(data, p), nil
}

func (s *Supervisor) content(hash string) ([]byte, bool) {
	s.mu.RLock()
	data, ok := s.data[hash]
	path, onDisk := s.paths[hash]
	s.mu.RUnlock()
	if ok {
		return data, true
	}
	if !onDisk {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read content", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	if shacache.Digest(data) != hash {
		s.logger.Warn("content changed since it was added", zap.String("path", path))
		return nil, false
	}
	s.mu.Lock()
	s.data[hash] = data
	s.mu.Unlock()
	return data, true
}

// AddFile makes data available to the agent and returns its hash.
func (s *Supervisor) AddFile(data []byte) string {
	hash := shacache.Digest(data)
	s.mu.Lock()
	s.data[hash] = data
	s.mu.Unlock()
	return hash
}

// AddPath makes the file at path available to the agent and returns its hash.
// The file is read again when the agent asks for it.
func (s *Supervisor) AddPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	hash := shacache.Digest(data)
	s.mu.Lock()
	s.paths[hash] = path
	s.mu.Unlock()
	return hash, nil
}

// Deploy publishes each file (location to path) and reconciles the agent to
// exactly that set. It returns the agent's report.
func (s *Supervisor) Deploy(ctx context.Context, files map[string]string) (string, error) {
	bundles := make(map[string]string, len(files))
	for location, path := range files {
		hash, err := s.AddPath(path)
		if err != nil {
			return "", fmt.Errorf("failed to add %s: %w", location, err)
		}
		bundles[location] = hash
	}
	return s.Agent().Update(ctx, bundles)
}

// Agent returns the client for agent-side methods. It is nil before a connection is attached.
func (s *Supervisor) Agent() *protocol.AgentClient {
	return s.agent
}

// Done is closed when the link closes.
func (s *Supervisor) Done() <-chan struct{} {
	return s.link.Done()
}

// ExitCode returns the code of the exit event, if the agent sent one.
func (s *Supervisor) ExitCode() (int, bool) {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	if s.exit == nil {
		return 0, false
	}
	return *s.exit, true
}

// Close ends the session normally.
func (s *Supervisor) Close(ctx context.Context) error {
	return s.end(ctx, s.agent.Close)
}

// Abort ends the session with the abort code.
func (s *Supervisor) Abort(ctx context.Context) error {
	return s.end(ctx, s.agent.Abort)
}

func (s *Supervisor) end(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if errors.Is(err, link.ErrClosed) {
		err = nil
	}
	if err == nil {
		select {
		case <-s.link.Done():
		case <-ctx.Done():
		}
	}
	_ = s.link.Close()
	return err
}
