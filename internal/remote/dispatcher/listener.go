package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/config"
	"github.com/kandev/fwagent/internal/common/errors"
	"github.com/kandev/fwagent/internal/remote/session"
	"github.com/kandev/fwagent/pkg/remote/link"
	"github.com/kandev/fwagent/pkg/remote/protocol"
)

const acceptRetryDelay = time.Second

// Listen binds spec ([<host>:]<port>) and accepts Supervisor connections
// until ctx is cancelled. It returns the bound address.
func (d *Dispatcher) Listen(ctx context.Context, spec string) (net.Addr, error) {
	addr, err := config.ListenAddress(spec)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Unavailable("failed to listen on "+addr, err)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	d.logger.Info("agent listening", zap.String("address", ln.Addr().String()), zap.Bool("local_only", d.cfg.LocalOnly))
	go d.acceptLoop(ctx, ln)
	return ln.Addr(), nil
}

func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		if d.cfg.LocalOnly && !isLoopback(conn.RemoteAddr()) {
			d.logger.Warn("rejected non-local connection", zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}
		go d.serveConn(ctx, conn)
	}
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

// serveConn attaches conn to the default framework, or runs the envoy
// handshake when there is none.
func (d *Dispatcher) serveConn(ctx context.Context, conn net.Conn) {
	log := d.logger.WithFields(zap.String("remote", conn.RemoteAddr().String()))
	if d.cfg.DefaultFramework == "" {
		d.Envoy(conn)
		return
	}
	desc, ok := d.Get(d.cfg.DefaultFramework)
	if !ok {
		log.Warn("default framework is not running", zap.String("framework", d.cfg.DefaultFramework))
		_ = conn.Close()
		return
	}
	if _, err := d.Attach(ctx, desc, conn); err != nil {
		log.Warn("failed to attach connection", zap.Error(err))
	}
}

// Envoy serves the handshake on rwc: the peer may ping and inspect the agent,
// then createFramework binds the same link to a session on the named framework.
func (d *Dispatcher) Envoy(rwc io.ReadWriteCloser) *link.Link {
	l := link.New(rwc, d.logger)
	bound := false

	l.Handle(protocol.MethodPing, func(context.Context, json.RawMessage) (interface{}, error) {
		return true, nil
	})
	l.Handle(protocol.MethodIsEnvoy, func(context.Context, json.RawMessage) (interface{}, error) {
		return true, nil
	})
	l.Handle(protocol.MethodGetSystemProperties, func(context.Context, json.RawMessage) (interface{}, error) {
		return session.SystemProperties(nil), nil
	})
	l.Handle(protocol.MethodCreateFramework, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.CreateFrameworkParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		if bound {
			return nil, link.NewError(link.InvalidRequest, "link is already bound")
		}
		desc, err := d.CreateOrReuse(ctx, p.Name, p.Properties, p.Reuse)
		if err != nil {
			d.logger.Warn("envoy could not create framework", zap.String("framework", p.Name), zap.Error(err))
			return false, nil
		}
		if _, err := d.bind(ctx, desc, l); err != nil {
			d.logger.Warn("envoy could not attach", zap.String("framework", p.Name), zap.Error(err))
			return false, nil
		}
		bound = true
		return true, nil
	})
	l.Start()
	return l
}

// CreateOrReuse returns the running framework named name when reuse is set;
// otherwise any existing one is closed and recreated with props.
func (d *Dispatcher) CreateOrReuse(ctx context.Context, name string, props map[string]string, reuse bool) (*Descriptor, error) {
	if desc, ok := d.Get(name); ok {
		if reuse {
			return desc, nil
		}
		if err := d.CloseFramework(ctx, name); err != nil && !errors.IsNotFound(err) {
			d.logger.Warn("failed to close framework before recreating it", zap.String("framework", name), zap.Error(err))
		}
	}
	return d.CreateFramework(ctx, name, props, "", "")
}
