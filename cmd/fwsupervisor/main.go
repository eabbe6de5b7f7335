// Package main is the entry point for the fwsupervisor binary, a command
// line supervisor for fwagent.
//
// Usage:
//
//	fwsupervisor [-agent host:port | -ws url] <command> [args]
//
// Commands: ping, ls, props, deploy <artifact|location=path>..., install <location> <path>,
// start|stop|uninstall <id>..., update <id> <path>, shell <command>, console.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/pkg/remote/protocol"
	"github.com/kandev/fwagent/pkg/remote/supervisor"
)

var (
	agentFlag     = flag.String("agent", fmt.Sprintf("localhost:%d", protocol.DefaultPort), "Agent address, [host:]port")
	wsFlag        = flag.String("ws", "", "Agent WebSocket link URL; overrides -agent")
	frameworkFlag = flag.String("framework", "", "Framework to create through the envoy handshake")
	timeoutFlag   = flag.Duration("timeout", 30*time.Second, "Timeout for each command")
	logLevelFlag  = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fwsupervisor: %v\n", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(log *logger.Logger, cmd string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(supervisor.Options{
		Logger:   log,
		OnStdout: func(text string) { fmt.Fprint(os.Stdout, text) },
		OnStderr: func(text string) { fmt.Fprint(os.Stderr, text) },
		OnLog: func(entry protocol.LogEntry) {
			log.Info("agent log", zap.String("level", entry.Level), zap.String("message", entry.Message),
				zap.Int64("module_id", entry.BundleID), zap.String("error", entry.Error))
		},
		OnFrameworkEvent: func(evt protocol.FrameworkEventDTO) {
			log.Debug("framework event", zap.Stringer("type", framework.EventType(evt.Type)), zap.Int64("module_id", evt.BundleID))
		},
	})

	dialCtx, cancel := context.WithTimeout(ctx, *timeoutFlag)
	defer cancel()
	if *wsFlag != "" {
		err := sup.DialWebSocket(dialCtx, *wsFlag)
		if err != nil {
			return err
		}
	} else if err := sup.Dial(dialCtx, *agentFlag); err != nil {
		return err
	}
	if *frameworkFlag != "" {
		ok, err := sup.Agent().CreateFramework(dialCtx, *frameworkFlag, nil, true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("agent could not create framework %s", *frameworkFlag)
		}
	}

	err := dispatch(ctx, sup, cmd, args)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if cerr := sup.Close(closeCtx); cerr != nil {
		log.Debug("close failed", zap.Error(cerr))
	}
	return err
}

func dispatch(ctx context.Context, sup *supervisor.Supervisor, cmd string, args []string) error {
	agent := sup.Agent()
	callCtx, cancel := context.WithTimeout(ctx, *timeoutFlag)
	defer cancel()

	switch cmd {
	case "ping":
		ok, err := agent.Ping(callCtx)
		if err != nil {
			return err
		}
		envoy, err := agent.IsEnvoy(callCtx)
		if err != nil {
			return err
		}
		fmt.Printf("alive=%t envoy=%t\n", ok, envoy)
		return nil

	case "ls":
		dto, err := agent.GetFramework(callCtx)
		if err != nil {
			return err
		}
		printFramework(dto)
		return nil

	case "props":
		props, err := agent.GetSystemProperties(callCtx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s=%s\n", k, props[k])
		}
		return nil

	case "deploy":
		files := make(map[string]string, len(args))
		for _, arg := range args {
			location, path, ok := strings.Cut(arg, "=")
			if !ok {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				location, path = "file:"+abs, abs
			}
			files[location] = path
		}
		return report(sup.Deploy(callCtx, files))

	case "install":
		if len(args) != 2 {
			return fmt.Errorf("usage: install <location> <path>")
		}
		hash, err := sup.AddPath(args[1])
		if err != nil {
			return err
		}
		res, err := agent.Install(callCtx, args[0], hash)
		if err != nil {
			return err
		}
		if res.Error != "" {
			return fmt.Errorf("%s", res.Error)
		}
		fmt.Printf("installed %d %s\n", res.Bundle.ID, res.Bundle.SymbolicName)
		return nil

	case "start", "stop", "uninstall":
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		switch cmd {
		case "start":
			return report(agent.Start(callCtx, ids...))
		case "stop":
			return report(agent.Stop(callCtx, ids...))
		default:
			return report(agent.Uninstall(callCtx, ids...))
		}

	case "update":
		if len(args) != 2 {
			return fmt.Errorf("usage: update <id> <path>")
		}
		ids, err := parseIDs(args[:1])
		if err != nil {
			return err
		}
		hash, err := sup.AddPath(args[1])
		if err != nil {
			return err
		}
		return report(agent.UpdateBundle(callCtx, ids[0], hash))

	case "shell":
		out, err := agent.Shell(callCtx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil

	case "console":
		return console(ctx, agent)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// console relays local stdin lines to the agent's console until EOF or interrupt.
func console(ctx context.Context, agent *protocol.AgentClient) error {
	if _, err := agent.Redirect(ctx, protocol.RedirectConsole); err != nil {
		return err
	}
	defer func() { _, _ = agent.Redirect(context.Background(), protocol.RedirectNone) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text() + "\n"
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := agent.Stdin(ctx, line); err != nil {
				return err
			}
		}
	}
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one module id is required")
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid module id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func report(text string, err error) error {
	if err != nil {
		return err
	}
	if text != "" {
		return fmt.Errorf("%s", strings.TrimRight(text, "\n"))
	}
	return nil
}

func printFramework(dto *protocol.FrameworkDTO) {
	fmt.Printf("%s %s start-level=%d\n", dto.Name, dto.State, dto.StartLevel)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tLEVEL\tNAME\tVERSION\tLOCATION")
	for _, b := range dto.Bundles {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", b.ID, framework.State(b.State), b.StartLevel, b.SymbolicName, b.Version, b.Location)
	}
	_ = w.Flush()
}
