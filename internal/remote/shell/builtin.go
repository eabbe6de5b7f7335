// Package shell provides the command processors the agent's Shell redirect
// talks to: a small built-in line interpreter for framework administration
// and a PTY-backed system shell.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kandev/fwagent/internal/framework"
)

const (
	BuiltinActivator = "shell.builtin"
	PTYActivator     = "shell.pty"
)

func init() {
	framework.DefaultRegistry.RegisterActivator(BuiltinActivator, func() framework.Activator {
		return &processorActivator{newProcessor: func(fw framework.Framework) framework.CommandProcessor {
			return NewBuiltin(fw)
		}}
	})
	framework.DefaultRegistry.RegisterActivator(PTYActivator, func() framework.Activator {
		return &processorActivator{newProcessor: func(framework.Framework) framework.CommandProcessor {
			return NewPTYProcessor(DefaultPTYConfig(), nil)
		}}
	})
}

// processorActivator registers a command processor service for as long as it runs.
type processorActivator struct {
	newProcessor func(framework.Framework) framework.CommandProcessor
	reg          *framework.ServiceRegistration
}

func (a *processorActivator) Start(_ context.Context, actx *framework.ActivatorContext) error {
	a.reg = actx.Framework.Services().Register(
		framework.CommandProcessorService,
		actx.ModuleID(),
		a.newProcessor(actx.Framework),
	)
	return nil
}

func (a *processorActivator) Stop(context.Context) error {
	if a.reg != nil {
		a.reg.Unregister()
		a.reg = nil
	}
	return nil
}

// Builtin is a line-oriented interpreter over a framework.
type Builtin struct {
	fw framework.Framework
}

var _ framework.CommandProcessor = (*Builtin)(nil)

// NewBuiltin creates the interpreter for fw.
func NewBuiltin(fw framework.Framework) *Builtin {
	return &Builtin{fw: fw}
}

// NewSession interprets one command per line read from stdin until stdin ends.
func (b *Builtin) NewSession(stdin io.Reader, stdout, stderr io.Writer) (framework.CommandSession, error) {
	s := &builtinSession{b: b, stdout: stdout, stderr: stderr, done: make(chan struct{})}
	go s.run(stdin)
	return s, nil
}

type builtinSession struct {
	b      *Builtin
	stdout io.Writer
	stderr io.Writer

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *builtinSession) run(stdin io.Reader) {
	defer close(s.done)
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		if s.isClosed() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.b.Exec(context.Background(), line, s.stdout, s.stderr)
	}
}

func (s *builtinSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops interpreting; the reader goroutine exits when stdin ends.
func (s *builtinSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Exec runs one command line.
func (b *Builtin) Exec(ctx context.Context, line string, stdout, stderr io.Writer) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		fmt.Fprintln(stdout, "commands: echo help lb props refresh sl start stop uninstall")
	case "echo":
		fmt.Fprintln(stdout, strings.Join(args, " "))
	case "lb":
		b.listModules(stdout)
	case "props":
		props := b.fw.Properties()
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(stdout, "%s=%s\n", k, props[k])
		}
	case "refresh":
		select {
		case <-b.fw.Refresh(ctx):
			fmt.Fprintln(stdout, "refreshed")
		case <-ctx.Done():
		}
	case "sl":
		if len(args) == 0 {
			fmt.Fprintf(stdout, "%d\n", b.fw.StartLevel())
			return
		}
		level, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(stderr, "sl: invalid level %q\n", args[0])
			return
		}
		if err := b.fw.SetStartLevel(ctx, level); err != nil {
			fmt.Fprintf(stderr, "sl: %v\n", err)
			return
		}
		fmt.Fprintf(stdout, "%d\n", b.fw.StartLevel())
	case "start", "stop", "uninstall":
		if len(args) == 0 {
			fmt.Fprintf(stderr, "%s: module id required\n", cmd)
			return
		}
		for _, a := range args {
			b.moduleOp(ctx, cmd, a, stdout, stderr)
		}
	default:
		fmt.Fprintf(stderr, "command not found: %s\n", cmd)
	}
}

func (b *Builtin) listModules(w io.Writer) {
	fmt.Fprintln(w, "   ID|State      |Level|Name")
	for _, m := range b.fw.Modules() {
		fmt.Fprintf(w, "%5d|%-11s|%5d|%s (%s)\n", m.ID(), m.State(), m.StartLevel(), m.SymbolicName(), m.Version())
	}
}

func (b *Builtin) moduleOp(ctx context.Context, op, arg string, stdout, stderr io.Writer) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(stderr, "%s: invalid id %q\n", op, arg)
		return
	}
	m, ok := b.fw.Module(id)
	if !ok {
		fmt.Fprintf(stderr, "%s: no such module %d\n", op, id)
		return
	}
	switch op {
	case "start":
		err = m.Start(ctx)
	case "stop":
		err = m.Stop(ctx)
	case "uninstall":
		err = m.Uninstall(ctx)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s %d: %v\n", op, id, err)
		return
	}
	fmt.Fprintf(stdout, "%s %d\n", op, id)
}
