package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/events/bus"
	"github.com/kandev/fwagent/internal/framework"
)

// bridge publishes the framework's events and log entries on the event bus
// and returns the function that stops doing so.
func bridge(fw framework.Framework, eventBus bus.EventBus, log *logger.Logger) func() {
	name := fw.Name()
	eventSubject := bus.FrameworkEventSubject(name)
	logSubject := bus.FrameworkLogSubject(name)

	removeEvents := fw.AddListener(func(evt framework.Event) {
		data := map[string]interface{}{
			bus.KeyType:     int(evt.Type),
			bus.KeyModuleID: evt.ModuleID,
		}
		if evt.Message != "" {
			data[bus.KeyMessage] = evt.Message
		}
		e := bus.NewEvent(bus.TypeFrameworkEvent, name, data)
		if !evt.Time.IsZero() {
			e.Timestamp = evt.Time
		}
		if err := eventBus.Publish(context.Background(), eventSubject, e); err != nil {
			log.Debug("failed to publish framework event", zap.Stringer("type", evt.Type), zap.Error(err))
		}
	})

	removeLogs := fw.AddLogListener(func(entry framework.LogEntry) {
		data := map[string]interface{}{
			bus.KeyLevel:    string(entry.Level),
			bus.KeyMessage:  entry.Message,
			bus.KeyModuleID: entry.ModuleID,
		}
		if entry.Err != nil {
			data[bus.KeyError] = entry.Err.Error()
		}
		e := bus.NewEvent(bus.TypeLogEntry, name, data)
		if !entry.Time.IsZero() {
			e.Timestamp = entry.Time
		}
		if err := eventBus.Publish(context.Background(), logSubject, e); err != nil {
			log.Debug("failed to publish log entry", zap.Error(err))
		}
	})

	return func() {
		removeEvents()
		removeLogs()
	}
}
