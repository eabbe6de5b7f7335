package session

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/events/bus"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/local"
	"github.com/kandev/fwagent/internal/framework/manifest"
	"github.com/kandev/fwagent/internal/remote/redirect"
	"github.com/kandev/fwagent/internal/remote/shell"
	"github.com/kandev/fwagent/internal/shacache"
	"github.com/kandev/fwagent/pkg/remote/link"
	"github.com/kandev/fwagent/pkg/remote/protocol"
)

const counterActivator = "test.counter"

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

// counter records activator starts and stops per symbolic name.
type counter struct {
	mu     sync.Mutex
	starts map[string]int
	stops  map[string]int
	// gate, when set, blocks starts until it is closed.
	gate chan struct{}
}

func (c *counter) get(name string) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts[name], c.stops[name]
}

type countingActivator struct {
	c    *counter
	name string
}

func (a *countingActivator) Start(ctx context.Context, actx *framework.ActivatorContext) error {
	a.name = actx.Module.SymbolicName()
	a.c.mu.Lock()
	gate := a.c.gate
	a.c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	a.c.starts[a.name]++
	return nil
}

func (a *countingActivator) Stop(context.Context) error {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	a.c.stops[a.name]++
	return nil
}

type testEnv struct {
	fw      framework.Framework
	cache   *shacache.Cache
	counter *counter
}

func newEnv(t *testing.T, name string) *testEnv {
	t.Helper()
	c := &counter{starts: map[string]int{}, stops: map[string]int{}}
	reg := framework.NewRegistry()
	reg.RegisterActivator(counterActivator, func() framework.Activator { return &countingActivator{c: c} })

	fw, err := local.New(framework.Config{
		Name:       name,
		StorageDir: t.TempDir(),
		Registry:   reg,
		Logger:     newTestLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(func() { _ = fw.Stop(context.Background()) })

	cache, err := shacache.New(t.TempDir())
	require.NoError(t, err)
	return &testEnv{fw: fw, cache: cache, counter: c}
}

func (e *testEnv) session(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Framework == nil {
		opts.Framework = e.fw
	}
	opts.Cache = e.cache
	opts.Logger = newTestLogger()
	if opts.Console == nil {
		opts.Console = &redirect.Console{}
	}
	opts.ShellSettle = 40 * time.Millisecond
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func artifact(t *testing.T, name, version string) []byte {
	t.Helper()
	data, err := manifest.Build(manifest.Manifest{
		SymbolicName: name,
		Version:      version,
		Activator:    counterActivator,
	}, nil)
	require.NoError(t, err)
	return data
}

// publish stores an artifact in the cache and returns its hash.
func (e *testEnv) publish(t *testing.T, name, version string) string {
	t.Helper()
	hash, err := e.cache.Put(artifact(t, name, version))
	require.NoError(t, err)
	return hash
}

func (e *testEnv) state(t *testing.T, location string) framework.State {
	t.Helper()
	m, ok := e.fw.ModuleByLocation(location)
	if !ok {
		return framework.Uninstalled
	}
	return m.State()
}

func locations(fw framework.Framework) []string {
	var out []string
	for _, m := range fw.Modules() {
		out = append(out, m.Location())
	}
	sort.Strings(out)
	return out
}

func TestUpdate_InstallsAndStarts(t *testing.T) {
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	h1, h2 := env.publish(t, "a", "1.0.0"), env.publish(t, "b", "1.0.0")

	report := s.Update(context.Background(), map[string]string{"a": h1, "b": h2})
	assert.Empty(t, report)
	assert.Equal(t, map[string]string{"a": h1, "b": h2}, s.Installed())
	assert.Equal(t, framework.Active, env.state(t, "a"))
	assert.Equal(t, framework.Active, env.state(t, "b"))
	assert.Equal(t, []string{"a", "b"}, locations(env.fw))
}

func TestUpdate_EmptyRemovesEverything(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	h1 := env.publish(t, "a", "1.0.0")
	require.Empty(t, s.Update(ctx, map[string]string{"a": h1}))

	assert.Empty(t, s.Update(ctx, map[string]string{}))
	assert.Empty(t, s.Installed())
	assert.Empty(t, env.fw.Modules())
	starts, stops := env.counter.get("a")
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops, "stopped before uninstall")
}

func TestUpdate_OnlyChangedModuleRestarts(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	ha, hb := env.publish(t, "a", "1.0.0"), env.publish(t, "b", "1.0.0")
	require.Empty(t, s.Update(ctx, map[string]string{"a": ha, "b": hb}))
	a, _ := env.fw.ModuleByLocation("a")
	aModified := a.LastModified()

	hb3 := env.publish(t, "b", "3.0.0")
	assert.Empty(t, s.Update(ctx, map[string]string{"a": ha, "b": hb3}))

	starts, stops := env.counter.get("a")
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	assert.Equal(t, aModified, a.LastModified())

	starts, stops = env.counter.get("b")
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
	b, _ := env.fw.ModuleByLocation("b")
	assert.Equal(t, "3.0.0", b.Version())
	assert.Equal(t, framework.Active, b.State())
	assert.Equal(t, hb3, s.Installed()["b"])
}

func TestUpdate_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	desired := map[string]string{"a": env.publish(t, "a", "1"), "b": env.publish(t, "b", "1")}
	require.Empty(t, s.Update(ctx, desired))

	before := map[string]time.Time{}
	for _, m := range env.fw.Modules() {
		before[m.Location()] = m.LastModified()
	}
	require.Empty(t, s.Update(ctx, desired))

	for _, m := range env.fw.Modules() {
		assert.Equal(t, before[m.Location()], m.LastModified(), m.Location())
		assert.Equal(t, framework.Active, m.State())
	}
	for _, name := range []string{"a", "b"} {
		starts, stops := env.counter.get(name)
		assert.Equal(t, 1, starts, name)
		assert.Equal(t, 0, stops, name)
	}
}

func TestUpdate_InactiveChangedModuleStaysStopped(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	require.Empty(t, s.Update(ctx, map[string]string{"a": env.publish(t, "a", "1")}))
	a, _ := env.fw.ModuleByLocation("a")
	require.Empty(t, s.Stop(ctx, a.ID()))

	require.Empty(t, s.Update(ctx, map[string]string{"a": env.publish(t, "a", "2")}))
	assert.Equal(t, "2", a.Version())
	assert.False(t, a.State().Is(framework.Active|framework.Starting))
	starts, _ := env.counter.get("a")
	assert.Equal(t, 1, starts)
}

// heldRefresh delays every refresh completion until release is closed.
type heldRefresh struct {
	framework.Framework
	release chan struct{}
}

func (h *heldRefresh) Refresh(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-h.release
		<-h.Framework.Refresh(ctx)
		close(done)
	}()
	return done
}

func TestUpdate_WaitsForPreviousRefresh(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	held := &heldRefresh{Framework: env.fw, release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(held.release) }) }
	s := env.session(t, Options{Framework: held})
	t.Cleanup(release)

	a := env.publish(t, "a", "1")
	require.Empty(t, s.Update(ctx, map[string]string{"a": a}))

	b := env.publish(t, "b", "1")
	second := make(chan string, 1)
	go func() {
		second <- s.Update(ctx, map[string]string{"a": a, "b": b})
	}()
	assert.Never(t, func() bool { return len(second) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	_, ok := env.fw.ModuleByLocation("b")
	assert.False(t, ok, "second update has not started")

	// a session on another framework is not held up
	other := newEnv(t, "other")
	otherSession := other.session(t, Options{})
	assert.Empty(t, otherSession.Update(ctx, map[string]string{"c": other.publish(t, "c", "1")}))
	assert.Equal(t, framework.Active, other.state(t, "c"))

	release()
	select {
	case report := <-second:
		assert.Empty(t, report)
	case <-time.After(5 * time.Second):
		t.Fatal("second update did not finish after the refresh completed")
	}
	assert.Equal(t, framework.Active, env.state(t, "b"))
}

func TestUpdate_PartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	ha := env.publish(t, "a", "1")
	missing := shacache.Digest([]byte("nobody has this"))

	report := s.Update(ctx, map[string]string{"a": ha, "ghost": missing})
	assert.Contains(t, report, "ghost")
	assert.Contains(t, report, missing)
	assert.NotContains(t, report, "for a")
	assert.Equal(t, map[string]string{"a": ha}, s.Installed())
	assert.Equal(t, framework.Active, env.state(t, "a"))

	// an unresolvable new version leaves the old one running
	report = s.Update(ctx, map[string]string{"a": missing})
	assert.Contains(t, report, "update a")
	assert.Equal(t, ha, s.Installed()["a"])
	assert.Equal(t, framework.Active, env.state(t, "a"))
}

func TestUpdate_Converges(t *testing.T) {
	env := newEnv(t, "main")
	hashes := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d"} {
		hashes[n+"1"] = env.publish(t, n, "1")
		hashes[n+"2"] = env.publish(t, n, "2")
	}
	tests := []struct {
		name  string
		prior map[string]string
		want  map[string]string
	}{
		{"empty to some", map[string]string{}, map[string]string{"a": hashes["a1"], "b": hashes["b1"]}},
		{"some to empty", map[string]string{"a": hashes["a1"]}, map[string]string{}},
		{"disjoint", map[string]string{"a": hashes["a1"], "b": hashes["b1"]}, map[string]string{"c": hashes["c1"], "d": hashes["d1"]}},
		{"overlap with change", map[string]string{"a": hashes["a1"], "b": hashes["b1"], "c": hashes["c1"]}, map[string]string{"b": hashes["b2"], "c": hashes["c1"], "d": hashes["d2"]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := env.session(t, Options{})
			require.Empty(t, s.Update(ctx, tt.prior))
			require.Empty(t, s.Update(ctx, tt.want))
			assert.Equal(t, tt.want, s.Installed())

			var got []string
			for loc := range tt.want {
				got = append(got, loc)
				assert.Equal(t, framework.Active, env.state(t, loc), loc)
			}
			sort.Strings(got)
			assert.Equal(t, got, locations(env.fw))
			require.Empty(t, s.Update(ctx, map[string]string{}))
		})
	}
}

func TestUpdate_ExternallyUninstalledModuleIsForgotten(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	require.Empty(t, s.Update(ctx, map[string]string{"a": env.publish(t, "a", "1")}))
	a, _ := env.fw.ModuleByLocation("a")
	require.NoError(t, a.Uninstall(ctx))

	assert.Empty(t, s.Update(ctx, map[string]string{}))
	assert.Empty(t, s.Installed())
}

func TestInstallWithData_LocationSynthesis(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})

	res := s.InstallWithData(ctx, "", artifact(t, "com.acme.app", "1"))
	require.Empty(t, res.Error)
	assert.Equal(t, "manual:com.acme.app", res.Bundle.Location)

	res = s.InstallWithData(ctx, "", artifact(t, "com.acme.app", "2"))
	require.Empty(t, res.Error)
	assert.Equal(t, "manual:com.acme.app", res.Bundle.Location, "sole match is reused")
	assert.Equal(t, "2", res.Bundle.Version)
	assert.Len(t, env.fw.Modules(), 1)

	res = s.InstallWithData(ctx, "elsewhere", artifact(t, "com.acme.app", "3"))
	require.Empty(t, res.Error)

	res = s.InstallWithData(ctx, "", artifact(t, "com.acme.app", "4"))
	assert.Contains(t, res.Error, "ambiguous")
	assert.Nil(t, res.Bundle)
	assert.Len(t, env.fw.Modules(), 2)
}

func TestInstallWithData_RecordsDigest(t *testing.T) {
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	data := artifact(t, "x", "1")

	res := s.InstallWithData(context.Background(), "loc:x", data)
	require.Empty(t, res.Error)
	assert.Equal(t, shacache.Digest(data), s.Installed()["loc:x"])
	assert.True(t, env.cache.Has(shacache.Digest(data)))

	res = s.InstallWithData(context.Background(), "", []byte("not a zip"))
	assert.NotEmpty(t, res.Error)
}

func TestInstall_FromCacheAndURL(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})

	hash := env.publish(t, "cached", "1")
	res := s.Install(ctx, "loc:cached", hash)
	require.Empty(t, res.Error)
	assert.Equal(t, "cached", res.Bundle.SymbolicName)
	assert.Equal(t, hash, s.Installed()["loc:cached"])

	res = s.Install(ctx, "loc:none", shacache.Digest([]byte("x")))
	assert.Contains(t, res.Error, "could not find file")

	data := artifact(t, "web", "1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/web.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	res = s.InstallFromURL(ctx, "loc:web", srv.URL+"/web.zip")
	require.Empty(t, res.Error)
	assert.Equal(t, "web", res.Bundle.SymbolicName)
	assert.Equal(t, srv.URL+"/web.zip", s.Installed()["loc:web"])

	res = s.InstallFromURL(ctx, "loc:404", srv.URL+"/missing.zip")
	assert.Contains(t, res.Error, "404")

	path := filepath.Join(t.TempDir(), "file.zip")
	require.NoError(t, os.WriteFile(path, artifact(t, "file", "1"), 0o644))
	res = s.InstallFromURL(ctx, "loc:file", "file://"+path)
	require.Empty(t, res.Error)
	assert.Equal(t, "file", res.Bundle.SymbolicName)

	res = s.InstallFromURL(ctx, "loc:ftp", "ftp://example.com/x.zip")
	assert.Contains(t, res.Error, "unsupported")
}

func TestLifecycleOperations(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	require.Empty(t, s.Update(ctx, map[string]string{"a": env.publish(t, "a", "1"), "b": env.publish(t, "b", "1")}))
	a, _ := env.fw.ModuleByLocation("a")
	b, _ := env.fw.ModuleByLocation("b")

	report := s.Stop(ctx, a.ID(), 999, b.ID())
	assert.Equal(t, "No such module 999", report)
	assert.Equal(t, framework.Resolved, a.State())
	assert.Equal(t, framework.Resolved, b.State())

	assert.Empty(t, s.Start(ctx, a.ID()))
	assert.Equal(t, framework.Active, a.State())

	report = s.Uninstall(ctx, b.ID(), 1000)
	assert.Equal(t, "No such module 1000", report)
	assert.NotContains(t, s.Installed(), "b")

	assert.Empty(t, s.UpdateModule(ctx, a.ID(), env.publish(t, "a", "9")))
	assert.Equal(t, "9", a.Version())
	assert.Equal(t, "No such module 77", s.UpdateModule(ctx, 77, "x"))
}

func TestRedirect_SecondCallIsNoop(t *testing.T) {
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	ctx := context.Background()

	assert.True(t, s.Redirect(ctx, protocol.RedirectConsole))
	assert.False(t, s.Redirect(ctx, protocol.RedirectConsole))
	assert.Equal(t, redirect.KindConsole, s.Target().Kind)
	assert.True(t, s.Redirect(ctx, protocol.RedirectNone))
}

func TestShell_UsesCommandProcessor(t *testing.T) {
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	ctx := context.Background()

	assert.Equal(t, redirect.ErrNoProcessor.Error(), s.Shell(ctx, "echo hi"))
	assert.False(t, s.Redirect(ctx, protocol.RedirectShell))

	env.fw.Services().Register(framework.CommandProcessorService, 0, shell.NewBuiltin(env.fw))
	assert.Equal(t, "hi\n", s.Shell(ctx, "echo hi"))
	assert.Equal(t, redirect.KindShell, s.Target().Kind)
}

func TestSnapshot(t *testing.T) {
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	require.Empty(t, s.Update(context.Background(), map[string]string{"a": env.publish(t, "a", "1")}))
	env.fw.Services().Register("svc", 0, struct{}{})

	dto := s.Snapshot()
	assert.Equal(t, "main", dto.Name)
	assert.Equal(t, "ACTIVE", dto.State)
	require.Len(t, dto.Bundles, 1)
	assert.Equal(t, "a", dto.Bundles[0].Location)
	assert.Equal(t, int(framework.Active), dto.Bundles[0].State)
	require.Len(t, dto.Services, 1)
	assert.Equal(t, "svc", dto.Services[0].Name)

	t.Setenv("FWAGENT_TEST_PROP", "env")
	props := SystemProperties(map[string]string{"FWAGENT_TEST_PROP": "fw"})
	assert.Equal(t, "fw", props["FWAGENT_TEST_PROP"])
}

func TestConcurrentSessionsOnDistinctFrameworks(t *testing.T) {
	ctx := context.Background()
	slow := newEnv(t, "slow")
	fast := newEnv(t, "fast")
	gate := make(chan struct{})
	slow.counter.gate = gate

	s1 := slow.session(t, Options{})
	s2 := fast.session(t, Options{})
	h1 := slow.publish(t, "a", "1")
	h2 := fast.publish(t, "a", "1")

	slowDone := make(chan string, 1)
	go func() { slowDone <- s1.Update(ctx, map[string]string{"a": h1}) }()

	fastDone := make(chan string, 1)
	go func() { fastDone <- s2.Update(ctx, map[string]string{"a": h2}) }()

	select {
	case report := <-fastDone:
		assert.Empty(t, report)
	case <-time.After(5 * time.Second):
		t.Fatal("update on the second framework was blocked by the first")
	}
	select {
	case <-slowDone:
		t.Fatal("slow update finished before its activator was released")
	default:
	}

	close(gate)
	select {
	case report := <-slowDone:
		assert.Empty(t, report)
	case <-time.After(5 * time.Second):
		t.Fatal("slow update did not finish")
	}
}

// supervisorEnd is the test's side of a session link.
type supervisorEnd struct {
	agent *protocol.AgentClient
	link  *link.Link

	mu       sync.Mutex
	files    map[string][]byte
	events   []protocol.Event
	fwEvents []protocol.FrameworkEventDTO
	logs     []protocol.LogEntry
}

func (e *supervisorEnd) exitCodes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for _, evt := range e.events {
		if evt.Type == protocol.EventExit {
			out = append(out, evt.Code)
		}
	}
	return out
}

func connect(t *testing.T, s *Session) *supervisorEnd {
	t.Helper()
	ca, cb := net.Pipe()
	agentLink := link.New(ca, newTestLogger())
	s.Bind(agentLink)
	agentLink.Start()

	end := &supervisorEnd{files: map[string][]byte{}}
	l := link.New(cb, newTestLogger())
	l.Handle(protocol.MethodGetFile, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.GetFileParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		end.mu.Lock()
		defer end.mu.Unlock()
		if data, ok := end.files[p.Hash]; ok {
			return protocol.Chunk(data, p), nil
		}
		return nil, nil
	})
	l.Handle(protocol.MethodEvent, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var evt protocol.Event
		if err := link.Decode(raw, &evt); err != nil {
			return nil, err
		}
		end.mu.Lock()
		end.events = append(end.events, evt)
		end.mu.Unlock()
		return nil, nil
	})
	l.Handle(protocol.MethodOnFrameworkEvent, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var evt protocol.FrameworkEventDTO
		if err := link.Decode(raw, &evt); err != nil {
			return nil, err
		}
		end.mu.Lock()
		end.fwEvents = append(end.fwEvents, evt)
		end.mu.Unlock()
		return nil, nil
	})
	l.Handle(protocol.MethodLogged, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var entry protocol.LogEntry
		if err := link.Decode(raw, &entry); err != nil {
			return nil, err
		}
		end.mu.Lock()
		end.logs = append(end.logs, entry)
		end.mu.Unlock()
		return nil, nil
	})
	l.Start()
	t.Cleanup(func() { _ = l.Close() })
	end.link = l
	end.agent = protocol.NewAgentClient(l)
	return end
}

func TestLink_UpdateFetchesFromSupervisor(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	sup := connect(t, s)

	data := artifact(t, "remote", "1")
	hash := shacache.Digest(data)
	sup.mu.Lock()
	sup.files[hash] = data
	sup.mu.Unlock()

	report, err := sup.agent.Update(ctx, map[string]string{"r": hash})
	require.NoError(t, err)
	assert.Empty(t, report)
	assert.True(t, env.cache.Has(hash))
	assert.Equal(t, framework.Active, env.state(t, "r"))

	missing := shacache.Digest([]byte("missing"))
	report, err = sup.agent.Update(ctx, map[string]string{"r": hash, "m": missing})
	require.NoError(t, err)
	assert.Contains(t, report, missing)

	fwDTO, err := sup.agent.GetFramework(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", fwDTO.Name)

	ok, err := sup.agent.Ping(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	envoy, err := sup.agent.IsEnvoy(ctx)
	require.NoError(t, err)
	assert.False(t, envoy)

	_, err = sup.agent.CreateFramework(ctx, "other", nil, true)
	assert.Error(t, err)
}

func TestLink_ReportsAreNullOnSuccess(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	sup := connect(t, s)

	var raw json.RawMessage
	params := protocol.UpdateParams{Bundles: map[string]string{"a": env.publish(t, "a", "1")}}
	require.NoError(t, sup.link.Call(ctx, protocol.MethodUpdate, params, &raw))
	assert.Equal(t, "null", string(raw))

	m, ok := env.fw.ModuleByLocation("a")
	require.True(t, ok)
	raw = nil
	require.NoError(t, sup.link.Call(ctx, protocol.MethodStop, protocol.IDsParams{IDs: []int64{m.ID()}}, &raw))
	assert.Equal(t, "null", string(raw))

	raw = nil
	require.NoError(t, sup.link.Call(ctx, protocol.MethodStart, protocol.IDsParams{IDs: []int64{9999}}, &raw))
	var text string
	require.NoError(t, json.Unmarshal(raw, &text))
	assert.Contains(t, text, "9999")

	report, err := sup.agent.Update(ctx, params.Bundles)
	require.NoError(t, err)
	assert.Empty(t, report, "clients see null as an empty report")
}

func TestLink_UpdateFetchesLargeArtifact(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	sup := connect(t, s)

	payload := make([]byte, 17<<20)
	_, _ = rand.New(rand.NewSource(7)).Read(payload)
	data, err := manifest.Build(manifest.Manifest{
		SymbolicName: "large",
		Version:      "1",
		Activator:    counterActivator,
	}, map[string][]byte{"payload.bin": payload})
	require.NoError(t, err)
	require.Greater(t, len(data), link.MaxFrameSize)
	hash := shacache.Digest(data)
	sup.mu.Lock()
	sup.files[hash] = data
	sup.mu.Unlock()

	report, err := sup.agent.Update(ctx, map[string]string{"large": hash})
	require.NoError(t, err)
	assert.Empty(t, report)
	assert.True(t, env.cache.Has(hash))
	assert.Equal(t, framework.Active, env.state(t, "large"))
	starts, _ := env.counter.get("large")
	assert.Equal(t, 1, starts)
}

func TestPushWriter_GivesUpOnStalledSupervisor(t *testing.T) {
	old := pushTimeout
	pushTimeout = 100 * time.Millisecond
	t.Cleanup(func() { pushTimeout = old })

	env := newEnv(t, "main")
	s := env.session(t, Options{})
	ca, cb := net.Pipe()
	agentLink := link.New(ca, newTestLogger())
	s.Bind(agentLink)
	agentLink.Start()
	// the peer never reads; closing it lets the session teardown finish
	t.Cleanup(func() { _ = cb.Close() })

	w := &pushWriter{s: s}
	for i := 0; i < 2; i++ {
		done := make(chan struct{})
		go func() {
			n, err := w.Write([]byte("dropped\n"))
			assert.NoError(t, err)
			assert.Equal(t, len("dropped\n"), n)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("push to a stalled supervisor did not give up")
		}
	}
}

func TestLink_CloseAndAbortExitCodes(t *testing.T) {
	for _, tt := range []struct {
		name string
		call func(context.Context, *protocol.AgentClient) error
		code int
	}{
		{"close", func(ctx context.Context, a *protocol.AgentClient) error { return a.Close(ctx) }, protocol.ExitClose},
		{"abort", func(ctx context.Context, a *protocol.AgentClient) error { return a.Abort(ctx) }, protocol.ExitAbort},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newEnv(t, "main")
			var detached sync.WaitGroup
			detached.Add(1)
			s := env.session(t, Options{OnClose: func(*Session) { detached.Done() }})
			sup := connect(t, s)
			require.Empty(t, s.Update(ctx, map[string]string{"a": env.publish(t, "a", "1")}))

			require.NoError(t, tt.call(ctx, sup.agent))
			assert.Eventually(t, func() bool { return len(sup.exitCodes()) == 1 }, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, []int{tt.code}, sup.exitCodes())

			detached.Wait()
			assert.True(t, s.Closed())
			assert.Empty(t, env.fw.Modules())
			assert.Empty(t, s.Installed())
			select {
			case <-sup.link.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("link was not closed")
			}

			// one-shot
			s.Abort(ctx)
			assert.Equal(t, []int{tt.code}, sup.exitCodes())
		})
	}
}

func TestLink_TransportLossClosesSession(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	sup := connect(t, s)
	require.Empty(t, s.Update(ctx, map[string]string{"a": env.publish(t, "a", "1")}))

	require.NoError(t, sup.link.Close())
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after transport loss")
	}
	assert.Empty(t, env.fw.Modules())
}

func TestLink_ForwardsFrameworkEventsAndLogs(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	b := bus.NewMemoryEventBus(newTestLogger())
	defer b.Close()
	s := env.session(t, Options{Bus: b})
	sup := connect(t, s)

	require.NoError(t, b.Publish(ctx, bus.FrameworkEventSubject("main"), bus.NewEvent(bus.TypeFrameworkEvent, "main", map[string]interface{}{
		bus.KeyType:     int(framework.EventPackagesRefreshed),
		bus.KeyModuleID: int64(3),
	})))
	require.NoError(t, b.Publish(ctx, bus.FrameworkLogSubject("main"), bus.NewEvent(bus.TypeLogEntry, "main", map[string]interface{}{
		bus.KeyLevel:   "warn",
		bus.KeyMessage: "careful",
	})))
	// other frameworks are not forwarded
	require.NoError(t, b.Publish(ctx, bus.FrameworkLogSubject("other"), bus.NewEvent(bus.TypeLogEntry, "other", map[string]interface{}{
		bus.KeyMessage: "elsewhere",
	})))

	assert.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return len(sup.fwEvents) == 1 && len(sup.logs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Equal(t, int(framework.EventPackagesRefreshed), sup.fwEvents[0].Type)
	assert.Equal(t, int64(3), sup.fwEvents[0].BundleID)
	assert.Equal(t, "careful", sup.logs[0].Message)
	assert.Contains(t, sup.events, protocol.Event{Type: protocol.EventFramework, Code: int(framework.EventPackagesRefreshed)})
}

func TestLink_ShellOutputIsPushed(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "main")
	s := env.session(t, Options{})
	sup := connect(t, s)

	var mu sync.Mutex
	var stdout string
	sup.link.Handle(protocol.MethodStdout, func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var p protocol.TextParams
		if err := link.Decode(raw, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		stdout += p.Text
		mu.Unlock()
		return nil, nil
	})
	env.fw.Services().Register(framework.CommandProcessorService, 0, shell.NewBuiltin(env.fw))

	out, err := sup.agent.Shell(ctx, "echo pushed")
	require.NoError(t, err)
	assert.Equal(t, "pushed\n", out)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stdout == "pushed\n"
	}, 2*time.Second, 10*time.Millisecond)
}
