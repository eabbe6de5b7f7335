// Package link implements a symmetric request/response channel over a byte
// stream. Either peer can call methods on the other and push notifications.
//
// Frames are a 4-byte big-endian length followed by a JSON message. One
// reader goroutine demultiplexes frames: responses complete pending calls
// immediately, while calls and notifications are queued to a single serving
// goroutine, so requests are handled strictly in order and a handler may call
// back into the peer while it runs. All outbound frames go through one writer
// goroutine.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/tracing"
)

// DefaultCallTimeout applies to calls whose context carries no deadline.
const DefaultCallTimeout = 5 * time.Minute

// Handler serves one method. params is the raw JSON sent by the peer, nil
// when absent. The result is marshalled as the response; it is discarded for
// notifications.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Link is one end of a duplex RPC connection.
type Link struct {
	rwc    io.ReadWriteCloser
	logger *logger.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *Message

	out chan outFrame

	inboxMu sync.Mutex
	inbox   []*Message
	inboxCh chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	started    atomic.Bool
	closed     atomic.Bool
	closeAfter atomic.Bool
	done       chan struct{}

	hooksMu sync.Mutex
	hooks   []func()
	err     error
}

// New wraps rwc. Register handlers, then call Start or Serve.
func New(rwc io.ReadWriteCloser, log *logger.Logger) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		rwc:      rwc,
		logger:   log.WithFields(zap.String("component", "link")),
		handlers: make(map[string]Handler),
		pending:  make(map[int64]chan *Message),
		out:      make(chan outFrame),
		inboxCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for method, replacing any previous one.
func (l *Link) Handle(method string, h Handler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers[method] = h
}

// Start launches the reader, writer and serving goroutines. It is a no-op after the first call.
func (l *Link) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.writeLoop()
	go l.serveLoop()
	go l.readLoop()
}

// Serve starts the link and blocks until it closes or ctx is cancelled,
// in which case the link is closed.
func (l *Link) Serve(ctx context.Context) error {
	l.Start()
	select {
	case <-l.done:
	case <-ctx.Done():
		_ = l.Close()
	}
	return l.Err()
}

// Done is closed when the link closes.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the transport error that closed the link, nil after a clean close or EOF.
func (l *Link) Err() error {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	return l.err
}

// OnClose registers fn to run once the link closes. If it is already closed fn runs immediately.
func (l *Link) OnClose(fn func()) {
	l.hooksMu.Lock()
	if !l.closed.Load() {
		l.hooks = append(l.hooks, fn)
		l.hooksMu.Unlock()
		return
	}
	l.hooksMu.Unlock()
	fn()
}

// Close shuts the transport down, fails every pending call with ErrClosed and
// runs the OnClose hooks. Safe to call repeatedly and from handlers.
func (l *Link) Close() error {
	return l.closeWithError(nil)
}

func (l *Link) closeWithError(cause error) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	l.hooksMu.Lock()
	l.err = cause
	hooks := l.hooks
	l.hooks = nil
	l.hooksMu.Unlock()

	close(l.done)
	l.cancel()
	err := l.rwc.Close()

	l.pendingMu.Lock()
	l.pending = make(map[int64]chan *Message)
	l.pendingMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return err
}

// Call invokes method on the peer and decodes the response into result (which may be nil).
func (l *Link) Call(ctx context.Context, method string, params, result interface{}) (err error) {
	if l.closed.Load() {
		return ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	id := l.nextID.Add(1)
	ctx, span := tracing.TraceCall(ctx, method, id)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&Message{JSONRPC: Version, ID: &id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal %s call: %w", method, err)
	}

	ch := make(chan *Message, 1)
	l.pendingMu.Lock()
	l.pending[id] = ch
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, id)
		l.pendingMu.Unlock()
	}()

	if err := l.send(ctx, payload); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Notify sends a fire-and-forget message to the peer.
func (l *Link) Notify(ctx context.Context, method string, params interface{}) error {
	if l.closed.Load() {
		return ErrClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&Message{JSONRPC: Version, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", method, err)
	}
	return l.send(ctx, payload)
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

type outFrame struct {
	payload []byte
	written chan error
}

// send hands a frame to the writer goroutine and returns once it has been
// written or ctx ends.
func (l *Link) send(ctx context.Context, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	f := outFrame{payload: payload, written: make(chan error, 1)}
	select {
	case l.out <- f:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// closing the transport unblocks the writer, so written always fires.
	// A frame the writer already holds still goes out whole after ctx ends.
	select {
	case err := <-f.written:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case f := <-l.out:
			err := writeFrame(l.rwc, f.payload)
			f.written <- err
			if err != nil {
				if !l.closed.Load() {
					l.logger.Debug("link write failed", zap.Error(err))
				}
				_ = l.closeWithError(transportError(err))
				return
			}
		}
	}
}

func (l *Link) readLoop() {
	for {
		payload, err := readFrame(l.rwc)
		if err != nil {
			if !l.closed.Load() {
				l.logger.Debug("link read ended", zap.Error(err))
			}
			_ = l.closeWithError(transportError(err))
			return
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			l.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch {
		case msg.isResponse():
			l.resolve(&msg)
		case msg.Method == "":
			l.logger.Warn("dropping message without method or id")
		default:
			l.enqueue(&msg)
		}
	}
}

func (l *Link) resolve(msg *Message) {
	l.pendingMu.Lock()
	ch, ok := l.pending[*msg.ID]
	l.pendingMu.Unlock()
	if !ok {
		l.logger.Debug("response for unknown call", zap.Int64("id", *msg.ID))
		return
	}
	select {
	case ch <- msg:
	default:
		l.logger.Debug("duplicate response", zap.Int64("id", *msg.ID))
	}
}

func (l *Link) enqueue(msg *Message) {
	l.inboxMu.Lock()
	l.inbox = append(l.inbox, msg)
	l.inboxMu.Unlock()
	select {
	case l.inboxCh <- struct{}{}:
	default:
	}
}

func (l *Link) dequeue() *Message {
	l.inboxMu.Lock()
	defer l.inboxMu.Unlock()
	if len(l.inbox) == 0 {
		return nil
	}
	msg := l.inbox[0]
	l.inbox[0] = nil
	l.inbox = l.inbox[1:]
	return msg
}

func (l *Link) serveLoop() {
	for {
		msg := l.dequeue()
		if msg == nil {
			select {
			case <-l.done:
				return
			case <-l.inboxCh:
				continue
			}
		}
		l.dispatch(msg)
	}
}

// CloseAfterReply closes the link once the request being served has been
// answered. Handlers use it to end the connection from inside a call.
func (l *Link) CloseAfterReply() {
	l.closeAfter.Store(true)
}

func (l *Link) dispatch(msg *Message) {
	defer func() {
		if l.closeAfter.Load() {
			_ = l.Close()
		}
	}()

	l.handlersMu.RLock()
	h, ok := l.handlers[msg.Method]
	l.handlersMu.RUnlock()

	if !ok {
		if msg.ID != nil {
			l.reply(msg.ID, nil, NewError(MethodNotFound, "method not found: %s", msg.Method))
		} else {
			l.logger.Debug("no handler for notification", zap.String("method", msg.Method))
		}
		return
	}

	ctx, span := tracing.TraceServe(l.ctx, msg.Method)
	result, err := l.invoke(ctx, h, msg)
	tracing.RecordError(span, err)
	span.End()

	if msg.ID == nil {
		if err != nil {
			l.logger.Warn("notification handler failed",
				zap.String("method", msg.Method), zap.Error(err))
		}
		return
	}
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			remote = NewError(InternalError, "%s", err.Error())
		}
		l.reply(msg.ID, nil, remote)
		return
	}
	l.reply(msg.ID, result, nil)
}

func (l *Link) invoke(ctx context.Context, h Handler, msg *Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panic",
				zap.String("method", msg.Method),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = NewError(InternalError, "panic in %s: %v", msg.Method, r)
		}
	}()
	return h(ctx, msg.Params)
}

func (l *Link) reply(id *int64, result interface{}, rerr *RemoteError) {
	resp := &Message{JSONRPC: Version, ID: id, Error: rerr}
	if rerr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = NewError(InternalError, "failed to marshal result: %v", err)
		} else {
			resp.Result = raw
		}
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		l.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	if len(payload) > MaxFrameSize {
		l.logger.Warn("response exceeds frame limit", zap.Int64p("id", id), zap.Int("size", len(payload)))
		payload, _ = json.Marshal(&Message{JSONRPC: Version, ID: id,
			Error: NewError(InternalError, "result too large: %d bytes exceeds the %d byte frame limit", len(payload), MaxFrameSize)})
	}
	if err := l.send(l.ctx, payload); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
		l.logger.Debug("failed to send response", zap.Error(err))
	}
}

// transportError maps the clean end-of-stream conditions to nil.
func transportError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Decode unmarshals handler params, reporting failures as InvalidParams.
func Decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewError(InvalidParams, "invalid params: %v", err)
	}
	return nil
}
