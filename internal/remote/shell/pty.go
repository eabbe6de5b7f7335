package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
)

// PTYConfig configures the PTY command processor.
type PTYConfig struct {
	WorkDir      string
	Cols         int
	Rows         int
	ShellCommand string
	ShellArgs    []string
}

// DefaultPTYConfig is an 80x24 terminal running the user's shell in the current directory.
func DefaultPTYConfig() PTYConfig {
	wd, _ := os.Getwd()
	return PTYConfig{WorkDir: wd, Cols: 80, Rows: 24}
}

// PTYProcessor runs each command session as a login shell under a pseudo
// terminal. Output is forwarded as-is and also rendered into a virtual screen.
type PTYProcessor struct {
	cfg    PTYConfig
	logger *logger.Logger
}

var _ framework.CommandProcessor = (*PTYProcessor)(nil)

// NewPTYProcessor creates a PTY processor.
func NewPTYProcessor(cfg PTYConfig, log *logger.Logger) *PTYProcessor {
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	if log == nil {
		log = logger.Default()
	}
	return &PTYProcessor{cfg: cfg, logger: log.WithFields(zap.String("component", "pty-shell"))}
}

func (p *PTYProcessor) NewSession(stdin io.Reader, stdout, stderr io.Writer) (framework.CommandSession, error) {
	shell, args := detectShell()
	if p.cfg.ShellCommand != "" {
		shell = p.cfg.ShellCommand
		args = p.cfg.ShellArgs
		if len(args) == 0 {
			args = defaultShellArgs(shell)
		}
	}

	s := &ptySession{
		logger:    p.logger,
		cfg:       p.cfg,
		shell:     shell,
		shellArgs: args,
		out:       stdout,
		term:      vt10x.New(vt10x.WithSize(p.cfg.Cols, p.cfg.Rows)),
		doneCh:    make(chan struct{}),
	}
	if err := s.spawn(); err != nil {
		return nil, err
	}
	go s.pumpInput(stdin)
	return s, nil
}

type ptySession struct {
	logger    *logger.Logger
	cfg       PTYConfig
	shell     string
	shellArgs []string
	out       io.Writer

	mu       sync.RWMutex
	pty      ptyHandle
	cmd      *exec.Cmd
	running  bool
	stopping bool

	termMu sync.Mutex
	term   vt10x.Terminal

	doneCh chan struct{}
}

var _ framework.ScreenRenderer = (*ptySession)(nil)

func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo", "-NoExit"}
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe", []string{"-NoLogo", "-NoExit"}
		}
		return "cmd.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

func defaultShellArgs(shell string) []string {
	if runtime.GOOS == "windows" {
		lower := strings.ToLower(shell)
		if strings.Contains(lower, "pwsh") || strings.Contains(lower, "powershell") {
			return []string{"-NoLogo", "-NoExit"}
		}
		return nil
	}
	return []string{"-l"}
}

func shellEnv(workDir string) []string {
	return append(os.Environ(),
		"PWD="+workDir,
		"TERM=xterm-256color",
		"LANG=C.UTF-8",
	)
}

// spawn starts a shell process. Caller must not hold mu.
func (s *ptySession) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil
	}

	cmd := exec.Command(s.shell, s.shellArgs...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = shellEnv(s.cfg.WorkDir)
	p, err := startPTY(cmd, s.cfg.Cols, s.cfg.Rows)
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}
	s.cmd = cmd
	s.pty = p
	s.running = true

	s.logger.Info("shell started",
		zap.String("shell", s.shell),
		zap.String("cwd", s.cfg.WorkDir),
		zap.Int("pid", cmd.Process.Pid))

	go s.readOutput(p)
	go s.waitForExit(cmd)
	return nil
}

func (s *ptySession) pumpInput(stdin io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if _, werr := s.write(buf[:n]); werr != nil {
				s.logger.Debug("dropping shell input", zap.Error(werr))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *ptySession) write(data []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.pty == nil {
		return 0, errors.New("shell not running")
	}
	return s.pty.Write(data)
}

func (s *ptySession) readOutput(p ptyHandle) {
	buf := make([]byte, 4096)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.termMu.Lock()
			_, _ = s.term.Write(data)
			s.termMu.Unlock()
			if _, werr := s.out.Write(data); werr != nil {
				s.logger.Debug("shell output write failed", zap.Error(werr))
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("shell read ended", zap.Error(err))
			}
			return
		}
	}
}

// waitForExit respawns the shell unless the session is closing.
func (s *ptySession) waitForExit(cmd *exec.Cmd) {
	_ = cmd.Wait()

	s.mu.Lock()
	stopping := s.stopping
	s.running = false
	s.mu.Unlock()

	if stopping {
		close(s.doneCh)
		return
	}

	s.logger.Info("shell exited unexpectedly, respawning")
	time.Sleep(100 * time.Millisecond)
	if err := s.spawn(); err != nil {
		s.logger.Error("failed to respawn shell", zap.Error(err))
		close(s.doneCh)
	}
}

// Screen returns the visible terminal text with trailing blanks removed.
func (s *ptySession) Screen() string {
	s.termMu.Lock()
	defer s.termMu.Unlock()

	lines := make([]string, s.cfg.Rows)
	for row := 0; row < s.cfg.Rows; row++ {
		chars := make([]rune, s.cfg.Cols)
		for col := 0; col < s.cfg.Cols; col++ {
			c := s.term.Cell(col, row).Char
			if c == 0 {
				c = ' '
			}
			chars[col] = c
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func (s *ptySession) Close() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	p, cmd, running := s.pty, s.cmd, s.running
	s.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}
	if !running {
		return nil
	}
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shell stop timeout, killing")
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}
