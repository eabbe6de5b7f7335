package session

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/events/bus"
	"github.com/kandev/fwagent/pkg/remote/link"
	"github.com/kandev/fwagent/pkg/remote/protocol"
)

// Bind serves the session over l. Closing the transport closes the session.
// Call it before the link is started.
func (s *Session) Bind(l *link.Link) {
	s.link = l
	s.supervisor = protocol.NewSupervisorClient(l)

	l.Handle(protocol.MethodGetFramework, func(context.Context, json.RawMessage) (interface{}, error) {
		return s.Snapshot(), nil
	})
	l.Handle(protocol.MethodGetSystemProperties, func(context.Context, json.RawMessage) (interface{}, error) {
		return s.SystemProperties(), nil
	})
	l.Handle(protocol.MethodInstallWithData, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.InstallWithDataParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return s.InstallWithData(ctx, p.Location, p.Data), nil
	})
	l.Handle(protocol.MethodInstall, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.InstallParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return s.Install(ctx, p.Location, p.Hash), nil
	})
	l.Handle(protocol.MethodInstallFromURL, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.InstallFromURLParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return s.InstallFromURL(ctx, p.Location, p.URL), nil
	})
	l.Handle(protocol.MethodStart, s.idsHandler(s.Start))
	l.Handle(protocol.MethodStop, s.idsHandler(s.Stop))
	l.Handle(protocol.MethodUninstall, s.idsHandler(s.Uninstall))
	l.Handle(protocol.MethodUpdate, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.UpdateParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return errorText(s.Update(ctx, p.Bundles)), nil
	})
	l.Handle(protocol.MethodUpdateBundle, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.UpdateBundleParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return errorText(s.UpdateModule(ctx, p.ID, p.Hash)), nil
	})
	l.Handle(protocol.MethodUpdateFromURL, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.UpdateFromURLParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return errorText(s.UpdateFromURL(ctx, p.ID, p.URL)), nil
	})
	l.Handle(protocol.MethodRedirect, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.RedirectParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return s.Redirect(ctx, p.Port), nil
	})
	l.Handle(protocol.MethodStdin, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.TextParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		s.Stdin(p.Text)
		return true, nil
	})
	l.Handle(protocol.MethodShell, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.TextParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return s.Shell(ctx, p.Text), nil
	})
	l.Handle(protocol.MethodPing, func(context.Context, json.RawMessage) (interface{}, error) {
		return true, nil
	})
	l.Handle(protocol.MethodIsEnvoy, func(context.Context, json.RawMessage) (interface{}, error) {
		return false, nil
	})
	l.Handle(protocol.MethodCreateFramework, func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, link.NewError(link.InvalidRequest, "link is already bound to framework %s", s.fw.Name())
	})
	l.Handle(protocol.MethodClose, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		s.shutdown(ctx, protocol.ExitClose, true)
		return true, nil
	})
	l.Handle(protocol.MethodAbort, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		s.shutdown(ctx, protocol.ExitAbort, true)
		return true, nil
	})

	s.subscribe()
	l.OnClose(func() {
		s.shutdown(context.Background(), protocol.ExitClose, false)
	})
}

// errorText puts a report on the wire: null on success, the text otherwise.
func errorText(report string) interface{} {
	if report == "" {
		return nil
	}
	return report
}

func (s *Session) idsHandler(fn func(context.Context, ...int64) string) link.Handler {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.IDsParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		return errorText(fn(ctx, p.IDs...)), nil
	}
}

// subscribe forwards the framework's events and log entries to the Supervisor.
func (s *Session) subscribe() {
	if s.bus == nil {
		return
	}
	name := s.fw.Name()
	if sub, err := s.bus.Subscribe(bus.FrameworkEventSubject(name), s.forwardEvent); err != nil {
		s.logger.Warn("failed to subscribe to framework events", zap.Error(err))
	} else {
		s.subs = append(s.subs, sub)
	}
	if sub, err := s.bus.Subscribe(bus.FrameworkLogSubject(name), s.forwardLog); err != nil {
		s.logger.Warn("failed to subscribe to framework log", zap.Error(err))
	} else {
		s.subs = append(s.subs, sub)
	}
}

func (s *Session) forwardEvent(ctx context.Context, e *bus.Event) error {
	if s.closed.Load() {
		return nil
	}
	typ := e.Int(bus.KeyType)
	if err := s.supervisor.Event(ctx, protocol.EventFramework, typ); err != nil {
		return ignoreClosed(err)
	}
	return ignoreClosed(s.supervisor.OnFrameworkEvent(ctx, protocol.FrameworkEventDTO{
		Type:     typ,
		BundleID: int64(e.Int(bus.KeyModuleID)),
		Message:  e.String(bus.KeyMessage),
		Time:     e.Timestamp,
	}))
}

func (s *Session) forwardLog(ctx context.Context, e *bus.Event) error {
	if s.closed.Load() {
		return nil
	}
	return ignoreClosed(s.supervisor.Logged(ctx, protocol.LogEntry{
		Level:    e.String(bus.KeyLevel),
		Message:  e.String(bus.KeyMessage),
		BundleID: int64(e.Int(bus.KeyModuleID)),
		Error:    e.String(bus.KeyError),
		Time:     e.Timestamp,
	}))
}

func ignoreClosed(err error) error {
	if errors.Is(err, link.ErrClosed) {
		return nil
	}
	return err
}
