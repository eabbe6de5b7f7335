// Package session implements the agent side of one Supervisor connection:
// lifecycle operations on the modules of a framework and the reconciliation
// of the session's installed set toward a desired set.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/events/bus"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/manifest"
	"github.com/kandev/fwagent/internal/framework/startlevel"
	"github.com/kandev/fwagent/internal/remote/redirect"
	"github.com/kandev/fwagent/internal/shacache"
	"github.com/kandev/fwagent/internal/tracing"
	"github.com/kandev/fwagent/pkg/remote/link"
	"github.com/kandev/fwagent/pkg/remote/protocol"
)

// ManualPrefix starts the locations synthesized for unlocated installs.
const ManualPrefix = "manual:"

// Options configures a Session.
type Options struct {
	Framework framework.Framework
	Cache     *shacache.Cache
	// Policy is told when post-start work may run. Defaults to a no-op policy.
	Policy startlevel.Policy
	// Bus delivers framework events and log entries to push to the Supervisor.
	Bus         bus.EventBus
	SocketHost  string
	ShellSettle time.Duration
	Console     *redirect.Console
	HTTPClient  *http.Client
	Logger      *logger.Logger
	// OnClose runs once after the session has been torn down.
	OnClose func(*Session)
}

// Session is one Supervisor's controller over a framework.
type Session struct {
	id      string
	fw      framework.Framework
	cache   *shacache.Cache
	policy  startlevel.Policy
	bus     bus.EventBus
	http    *http.Client
	logger  *logger.Logger
	onClose func(*Session)

	redirect *redirect.Switch

	// opMu serializes reconciliation with teardown.
	opMu        sync.Mutex
	refreshDone <-chan struct{}

	mu        sync.Mutex
	installed map[string]string

	closed     atomic.Bool
	done       chan struct{}
	link       *link.Link
	supervisor *protocol.SupervisorClient
	subs       []bus.Subscription
}

// New creates a session. It is usable directly; Bind exposes it over a link.
func New(opts Options) (*Session, error) {
	if opts.Framework == nil {
		return nil, errors.New("session requires a framework")
	}
	if opts.Cache == nil {
		return nil, errors.New("session requires a content cache")
	}
	if opts.Policy == nil {
		opts.Policy, _ = startlevel.New(nil, opts.Logger)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	id := uuid.New().String()
	s := &Session{
		id:        id,
		fw:        opts.Framework,
		cache:     opts.Cache,
		policy:    opts.Policy,
		bus:       opts.Bus,
		http:      opts.HTTPClient,
		logger:    log.WithFramework(opts.Framework.Name()).WithSessionID(id),
		onClose:   opts.OnClose,
		installed: make(map[string]string),
		done:      make(chan struct{}),
	}
	s.redirect = redirect.NewSwitch(redirect.Options{
		Framework:   opts.Framework,
		Stdout:      &pushWriter{s: s, stderr: false},
		Stderr:      &pushWriter{s: s, stderr: true},
		SocketHost:  opts.SocketHost,
		ShellSettle: opts.ShellSettle,
		Console:     opts.Console,
		Logger:      s.logger,
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

// FrameworkName is the name of the framework the session controls.
func (s *Session) FrameworkName() string { return s.fw.Name() }

// Installed returns a copy of the location to provenance map the session owns.
func (s *Session) Installed() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.installed)
}

// Target is the active redirect target.
func (s *Session) Target() redirect.Target { return s.redirect.Target() }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool { return s.closed.Load() }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) record(location, provenance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed[location] = provenance
}

func (s *Session) forget(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.installed, location)
}

// Update reconciles the installed set toward desired and returns the
// accumulated error text, empty when every step succeeded.
func (s *Session) Update(ctx context.Context, desired map[string]string) string {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.update(ctx, desired)
}

func (s *Session) update(ctx context.Context, desired map[string]string) string {
	s.awaitRefresh(ctx)

	ctx, span := tracing.TraceUpdate(ctx, s.fw.Name(), s.id, len(desired))
	defer span.End()

	installed := s.Installed()
	var toDelete, toInstall, changed []string
	for loc, hash := range installed {
		want, ok := desired[loc]
		switch {
		case !ok:
			toDelete = append(toDelete, loc)
		case want != hash:
			changed = append(changed, loc)
		}
	}
	for loc := range desired {
		if _, ok := installed[loc]; !ok {
			toInstall = append(toInstall, loc)
		}
	}
	sort.Strings(toDelete)
	sort.Strings(toInstall)
	sort.Strings(changed)

	var rep report
	restart := &orderedSet{}

	for _, loc := range slices.Concat(toDelete, changed) {
		m, ok := s.fw.ModuleByLocation(loc)
		if !ok || !m.State().Is(framework.Active|framework.Starting) {
			continue
		}
		restart.add(loc)
		if err := m.Stop(ctx); err != nil {
			rep.addf("failed to stop %s: %v", loc, err)
		}
	}

	for _, loc := range toDelete {
		if m, ok := s.fw.ModuleByLocation(loc); ok && m.State() != framework.Uninstalled {
			if err := m.Uninstall(ctx); err != nil {
				rep.addf("failed to uninstall %s: %v", loc, err)
				continue
			}
		}
		s.forget(loc)
		restart.remove(loc)
	}

	for _, loc := range toInstall {
		hash := desired[loc]
		data, err := s.fetch(ctx, hash)
		if err != nil {
			rep.addf("could not find file with hash %s for %s", hash, loc)
			s.logger.Debug("content resolution failed", zap.String("location", loc), zap.Error(err))
			continue
		}
		if _, err := s.put(ctx, loc, data, false); err != nil {
			rep.addf("failed to install %s: %v", loc, err)
			continue
		}
		s.record(loc, hash)
		restart.add(loc)
	}

	for _, loc := range changed {
		hash := desired[loc]
		data, err := s.fetch(ctx, hash)
		if err != nil {
			rep.addf("cannot find file for hash %s to update %s", hash, loc)
			s.logger.Debug("content resolution failed", zap.String("location", loc), zap.Error(err))
			continue
		}
		if _, err := s.put(ctx, loc, data, false); err != nil {
			rep.addf("failed to update %s: %v", loc, err)
			continue
		}
		s.record(loc, hash)
	}

	for _, loc := range restart.items {
		m, ok := s.fw.ModuleByLocation(loc)
		if !ok {
			continue
		}
		if err := m.Start(ctx); err != nil {
			rep.addf("failed to start %s: %v", loc, err)
		}
	}

	done := s.fw.Refresh(context.WithoutCancel(ctx))
	s.refreshDone = done
	go func() {
		<-done
		if err := s.policy.Sync(context.Background()); err != nil {
			s.logger.Warn("start level sync failed", zap.Error(err))
		}
	}()

	text := rep.String()
	tracing.TraceUpdateResult(span, len(toDelete), len(toInstall), len(changed), text)
	if text != "" {
		s.logger.Warn("update finished with errors", zap.String("report", text))
	}
	return text
}

// awaitRefresh blocks until the refresh issued by the previous update is over.
func (s *Session) awaitRefresh(ctx context.Context) {
	if s.refreshDone == nil {
		return
	}
	select {
	case <-s.refreshDone:
	case <-ctx.Done():
	}
}

// put installs data at location, updating the module in place when the
// location is already taken. An uninstalled module is replaced by a fresh install.
func (s *Session) put(ctx context.Context, location string, data []byte, syncRefresh bool) (framework.Module, error) {
	if m, ok := s.fw.ModuleByLocation(location); ok && m.State() != framework.Uninstalled {
		if err := m.Update(ctx, bytes.NewReader(data)); err != nil {
			return nil, err
		}
		if syncRefresh {
			select {
			case <-s.fw.Refresh(ctx):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return m, nil
	}
	return s.fw.Install(ctx, location, bytes.NewReader(data))
}

// InstallWithData installs data at location. An empty location is derived
// from the artifact's symbolic name.
func (s *Session) InstallWithData(ctx context.Context, location string, data []byte) *protocol.InstallResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if location == "" {
		man, err := manifest.Parse(data)
		if err != nil {
			return installFailed(err)
		}
		location, err = s.synthesizeLocation(man.SymbolicName)
		if err != nil {
			return installFailed(err)
		}
	}
	hash, err := s.cache.Put(data)
	if err != nil {
		return installFailed(fmt.Errorf("failed to cache %s: %w", location, err))
	}
	m, err := s.put(ctx, location, data, true)
	if err != nil {
		return installFailed(err)
	}
	s.record(location, hash)
	return &protocol.InstallResult{Bundle: bundleDTO(m)}
}

// synthesizeLocation picks the location for an unlocated install of symbolicName.
func (s *Session) synthesizeLocation(symbolicName string) (string, error) {
	var matches []framework.Module
	for _, m := range s.fw.Modules() {
		if m.SymbolicName() == symbolicName && m.State() != framework.Uninstalled {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 0:
		return ManualPrefix + symbolicName, nil
	case 1:
		return matches[0].Location(), nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = fmt.Sprint(m.ID())
	}
	return "", fmt.Errorf("ambiguous symbolic name %s: installed as modules %s", symbolicName, strings.Join(ids, ", "))
}

// Install installs the content with hash at location.
func (s *Session) Install(ctx context.Context, location, hash string) *protocol.InstallResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	data, err := s.fetch(ctx, hash)
	if err != nil {
		return installFailed(fmt.Errorf("could not find file with hash %s for %s", hash, location))
	}
	m, err := s.put(ctx, location, data, true)
	if err != nil {
		return installFailed(err)
	}
	s.record(location, hash)
	return &protocol.InstallResult{Bundle: bundleDTO(m)}
}

// InstallFromURL downloads url and installs it at location.
func (s *Session) InstallFromURL(ctx context.Context, location, url string) *protocol.InstallResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	data, err := s.download(ctx, url)
	if err != nil {
		return installFailed(err)
	}
	m, err := s.put(ctx, location, data, true)
	if err != nil {
		return installFailed(err)
	}
	s.record(location, url)
	return &protocol.InstallResult{Bundle: bundleDTO(m)}
}

func installFailed(err error) *protocol.InstallResult {
	return &protocol.InstallResult{Error: err.Error()}
}

// Start starts every module in ids and returns the per-module failures.
func (s *Session) Start(ctx context.Context, ids ...int64) string {
	return s.each(ids, func(m framework.Module) error { return m.Start(ctx) })
}

// Stop stops every module in ids and returns the per-module failures.
func (s *Session) Stop(ctx context.Context, ids ...int64) string {
	return s.each(ids, func(m framework.Module) error { return m.Stop(ctx) })
}

// Uninstall uninstalls every module in ids and returns the per-module failures.
func (s *Session) Uninstall(ctx context.Context, ids ...int64) string {
	return s.each(ids, func(m framework.Module) error {
		if err := m.Uninstall(ctx); err != nil {
			return err
		}
		s.forget(m.Location())
		return nil
	})
}

func (s *Session) each(ids []int64, fn func(framework.Module) error) string {
	var rep report
	for _, id := range ids {
		m, ok := s.fw.Module(id)
		if !ok {
			rep.addf("No such module %d", id)
			continue
		}
		if err := fn(m); err != nil {
			rep.addf("%d: %v", id, err)
		}
	}
	return rep.String()
}

// UpdateModule replaces the content of module id with the content of hash.
func (s *Session) UpdateModule(ctx context.Context, id int64, hash string) string {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	m, ok := s.fw.Module(id)
	if !ok {
		return fmt.Sprintf("No such module %d", id)
	}
	data, err := s.fetch(ctx, hash)
	if err != nil {
		return fmt.Sprintf("cannot find file for hash %s to update %s", hash, m.Location())
	}
	if err := m.Update(ctx, bytes.NewReader(data)); err != nil {
		return fmt.Sprintf("%d: %v", id, err)
	}
	s.record(m.Location(), hash)
	return ""
}

// UpdateFromURL replaces the content of module id with the bytes at url.
func (s *Session) UpdateFromURL(ctx context.Context, id int64, url string) string {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	m, ok := s.fw.Module(id)
	if !ok {
		return fmt.Sprintf("No such module %d", id)
	}
	data, err := s.download(ctx, url)
	if err != nil {
		return err.Error()
	}
	if err := m.Update(ctx, bytes.NewReader(data)); err != nil {
		return fmt.Sprintf("%d: %v", id, err)
	}
	s.record(m.Location(), url)
	return ""
}

// Redirect moves the session's I/O to the target encoded by port.
func (s *Session) Redirect(ctx context.Context, port int) bool {
	ok, err := s.redirect.Redirect(ctx, port)
	if err != nil {
		s.logger.Warn("redirect failed", zap.Int("port", port), zap.Error(err))
		return false
	}
	return ok
}

// Stdin feeds text to the active redirect target.
func (s *Session) Stdin(text string) {
	if err := s.redirect.Stdin(text); err != nil {
		s.logger.Debug("stdin dropped", zap.Error(err))
	}
}

// Shell runs cmd in the interactive shell and returns the output it produced.
func (s *Session) Shell(ctx context.Context, cmd string) string {
	out, err := s.redirect.Shell(ctx, cmd)
	if err != nil {
		if out != "" {
			return out
		}
		return err.Error()
	}
	return out
}

// Snapshot describes the framework, its modules and services.
func (s *Session) Snapshot() *protocol.FrameworkDTO {
	return Snapshot(s.fw)
}

// Snapshot describes fw, its modules and its services.
func Snapshot(fw framework.Framework) *protocol.FrameworkDTO {
	dto := &protocol.FrameworkDTO{
		Name:       fw.Name(),
		State:      fw.State().String(),
		StartLevel: fw.StartLevel(),
		Bundles:    []protocol.BundleDTO{},
		Services:   []protocol.ServiceDTO{},
		Properties: fw.Properties(),
	}
	for _, m := range fw.Modules() {
		dto.Bundles = append(dto.Bundles, *bundleDTO(m))
	}
	for _, reg := range fw.Services().List() {
		dto.Services = append(dto.Services, protocol.ServiceDTO{ID: reg.ID, Name: reg.Name, BundleID: reg.ModuleID})
	}
	return dto
}

// SystemProperties returns the process environment overlaid with the framework properties.
func (s *Session) SystemProperties() map[string]string {
	return SystemProperties(s.fw.Properties())
}

func bundleDTO(m framework.Module) *protocol.BundleDTO {
	return &protocol.BundleDTO{
		ID:           m.ID(),
		Location:     m.Location(),
		SymbolicName: m.SymbolicName(),
		Version:      m.Version(),
		State:        int(m.State()),
		StartLevel:   m.StartLevel(),
		LastModified: m.LastModified(),
	}
}

// Close tears the session down with the normal exit code.
func (s *Session) Close(ctx context.Context) {
	s.shutdown(ctx, protocol.ExitClose, false)
}

// Abort tears the session down with the abort exit code.
func (s *Session) Abort(ctx context.Context) {
	s.shutdown(ctx, protocol.ExitAbort, false)
}

// shutdown removes everything the session installed, detaches the
// redirector, reports the exit code and closes the link. inCall defers the
// link close until the current request has been answered.
func (s *Session) shutdown(ctx context.Context, code int, inCall bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)
	ctx = context.WithoutCancel(ctx)
	s.logger.Debug("closing session", zap.Int("code", code))

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}

	s.opMu.Lock()
	if text := s.update(ctx, map[string]string{}); text != "" {
		s.logger.Warn("teardown left modules behind", zap.String("report", text))
	}
	s.opMu.Unlock()

	if err := s.redirect.Close(); err != nil {
		s.logger.Debug("failed to close redirect", zap.Error(err))
	}
	if s.supervisor != nil {
		if err := s.supervisor.Event(ctx, protocol.EventExit, code); err != nil && !errors.Is(err, link.ErrClosed) {
			s.logger.Debug("failed to send exit event", zap.Error(err))
		}
	}
	if s.link != nil {
		if inCall {
			s.link.CloseAfterReply()
		} else {
			_ = s.link.Close()
		}
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}

// report accumulates per-step failures.
type report struct {
	lines []string
}

func (r *report) addf(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *report) String() string {
	return strings.Join(r.lines, "\n")
}

// orderedSet keeps locations in first-insertion order.
type orderedSet struct {
	items []string
}

func (o *orderedSet) add(v string) {
	if !slices.Contains(o.items, v) {
		o.items = append(o.items, v)
	}
}

func (o *orderedSet) remove(v string) {
	o.items = slices.DeleteFunc(o.items, func(s string) bool { return s == v })
}
