package redirect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/local"
	"github.com/kandev/fwagent/internal/remote/shell"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startedFramework(t *testing.T) framework.Framework {
	t.Helper()
	fw, err := local.New(framework.Config{Name: "redirect", Logger: newTestLogger()})
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(func() { _ = fw.Stop(context.Background()) })
	return fw
}

func newSwitch(t *testing.T, fw framework.Framework, out *syncBuffer) (*Switch, *Console) {
	t.Helper()
	console := &Console{}
	s := NewSwitch(Options{
		Framework:   fw,
		Stdout:      out,
		Stderr:      out,
		SocketHost:  "127.0.0.1",
		ShellSettle: 40 * time.Millisecond,
		Console:     console,
		Logger:      newTestLogger(),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, console
}

func TestTargetFor(t *testing.T) {
	tests := []struct {
		port int
		want Target
	}{
		{0, Target{Kind: KindNone}},
		{1, Target{Kind: KindConsole, Port: 1}},
		{-1, Target{Kind: KindShell, Port: -1}},
		{-7, Target{Kind: KindShell, Port: -1}},
		{2, Target{Kind: KindSocket, Port: 2}},
		{29999, Target{Kind: KindSocket, Port: 29999}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.port), func(t *testing.T) {
			assert.Equal(t, tt.want, TargetFor(tt.port))
		})
	}
}

func TestSwitch_Exclusivity(t *testing.T) {
	ctx := context.Background()
	s, console := newSwitch(t, startedFramework(t), &syncBuffer{})

	ok, err := s.Redirect(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok, "already none")

	ok, err = s.Redirect(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, KindConsole, s.Target().Kind)
	assert.Equal(t, 1, console.Refs())

	ok, err = s.Redirect(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, console.Refs(), "second redirect leaves the console untouched")

	// no command processor registered
	ok, err = s.Redirect(ctx, -1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, KindConsole, s.Target().Kind)

	ok, err = s.Redirect(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, console.Refs())
	assert.Equal(t, KindNone, s.Target().Kind)
}

func TestNone(t *testing.T) {
	s, _ := newSwitch(t, startedFramework(t), &syncBuffer{})
	assert.NoError(t, s.Stdin("ignored"))
	assert.Equal(t, os.Stdout, s.Out())
}

func TestConsole_SharedAndRestored(t *testing.T) {
	origOut, origIn := os.Stdout, os.Stdin
	console := &Console{}

	var a, b syncBuffer
	ha, err := console.Attach(&a, &a)
	require.NoError(t, err)
	hb, err := console.Attach(&b, &b)
	require.NoError(t, err)
	assert.Equal(t, 2, console.Refs())
	assert.NotEqual(t, origOut, os.Stdout)

	fmt.Fprint(os.Stdout, "shared line\n")
	assert.Eventually(t, func() bool {
		return a.String() == "shared line\n" && b.String() == "shared line\n"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hb.Stdin("typed\n"))
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "typed\n", line)

	require.NoError(t, ha.Close())
	require.NoError(t, ha.Close())
	assert.Equal(t, 1, console.Refs())
	assert.NotEqual(t, origOut, os.Stdout)

	fmt.Fprint(os.Stdout, "only b\n")
	assert.Eventually(t, func() bool { return strings.HasSuffix(b.String(), "only b\n") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "shared line\n", a.String())

	require.NoError(t, hb.Close())
	assert.Equal(t, 0, console.Refs())
	assert.Equal(t, origOut, os.Stdout)
	assert.Equal(t, origIn, os.Stdin)
}

// stuckWriter blocks every write until gate is closed.
type stuckWriter struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (w *stuckWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.entered) })
	<-w.gate
	return len(p), nil
}

func TestConsole_ReleaseDoesNotBlockOtherAttachments(t *testing.T) {
	origOut := os.Stdout
	console := &Console{}
	stuck := &stuckWriter{entered: make(chan struct{}), gate: make(chan struct{})}
	var gateOnce sync.Once
	unblock := func() { gateOnce.Do(func() { close(stuck.gate) }) }
	t.Cleanup(unblock)

	h, err := console.Attach(stuck, io.Discard)
	require.NoError(t, err)
	fmt.Fprint(os.Stdout, "held\n")
	select {
	case <-stuck.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not reach the consumer")
	}

	released := make(chan struct{})
	go func() {
		_ = h.Close()
		close(released)
	}()

	// the last release waits for the held pump without holding the console
	attached := make(chan *ConsoleHandle, 1)
	go func() {
		next, err := console.Attach(io.Discard, io.Discard)
		assert.NoError(t, err)
		attached <- next
	}()
	var next *ConsoleHandle
	select {
	case next = <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("Attach blocked behind a release")
	}
	assert.Equal(t, 1, console.Refs())

	unblock()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("release did not finish")
	}
	require.NoError(t, next.Close())
	assert.Equal(t, 0, console.Refs())
	assert.Equal(t, origOut, os.Stdout)
}

func TestShell_ExecAndRebind(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	out := &syncBuffer{}
	s, _ := newSwitch(t, fw, out)

	first := fw.Services().Register(framework.CommandProcessorService, 0, shell.NewBuiltin(fw))

	got, err := s.Shell(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", got)
	assert.Equal(t, KindShell, s.Target().Kind)
	assert.Contains(t, out.String(), "hello\n")

	ok, err := s.Redirect(ctx, -1)
	require.NoError(t, err)
	assert.False(t, ok)

	// replacing the tracked processor rebinds to the remaining one
	second := fw.Services().Register(framework.CommandProcessorService, 0, shell.NewBuiltin(fw))
	first.Unregister()
	got, err = s.Shell(ctx, "echo again")
	require.NoError(t, err)
	assert.Equal(t, "again\n", got)

	second.Unregister()
	assert.ErrorIs(t, s.Stdin("echo lost\n"), ErrNoProcessor)

	// a new processor is picked up automatically
	fw.Services().Register(framework.CommandProcessorService, 0, shell.NewBuiltin(fw))
	got, err = s.Shell(ctx, "echo back")
	require.NoError(t, err)
	assert.Equal(t, "back\n", got)
}

func TestShell_NoProcessor(t *testing.T) {
	s, _ := newSwitch(t, startedFramework(t), &syncBuffer{})
	_, err := s.Shell(context.Background(), "echo x")
	assert.ErrorIs(t, err, ErrNoProcessor)
}

func TestSocket_Relay(t *testing.T) {
	ctx := context.Background()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s, console := newSwitch(t, startedFramework(t), &syncBuffer{})
	origOut := os.Stdout

	ok, err := s.Redirect(ctx, port)
	require.NoError(t, err)
	assert.True(t, ok)

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return console.Refs() == 1 }, 2*time.Second, 10*time.Millisecond)

	fmt.Fprint(os.Stdout, "to socket\n")
	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "to socket\n", line)

	_, err = conn.Write([]byte("from socket\n"))
	require.NoError(t, err)
	in, err := bufio.NewReader(os.Stdin).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "from socket\n", in)

	ok, err = s.Redirect(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, console.Refs())
	assert.Equal(t, origOut, os.Stdout)

	_, err = io.ReadAll(reader)
	assert.NoError(t, err, "relay closes the connection")
}

func TestSocket_CloseWhileDialing(t *testing.T) {
	// grab a free port and release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s, _ := newSwitch(t, startedFramework(t), &syncBuffer{})
	ok, err := s.Redirect(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, ok)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("socket redirect did not stop")
	}
}

func TestSocketHosts(t *testing.T) {
	hosts := socketHosts("10.0.0.5")
	require.GreaterOrEqual(t, len(hosts), 2)
	assert.Equal(t, "10.0.0.5", hosts[0])
	assert.Equal(t, legacyLoopback, hosts[1])

	hosts = socketHosts(legacyLoopback)
	assert.Equal(t, legacyLoopback, hosts[0])
	assert.NotContains(t, hosts[1:], legacyLoopback)
}
