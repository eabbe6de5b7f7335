//go:build windows

package shell

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/UserExistsError/conpty"
)

type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTY starts cmd inside a ConPTY pseudo console. ConPTY creates the
// process itself, so cmd.Process is filled in afterwards for Wait and Kill.
func startPTY(cmd *exec.Cmd, cols, rows int) (ptyHandle, error) {
	args := cmd.Args
	if len(args) == 0 {
		args = []string{cmd.Path}
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = syscall.EscapeArg(a)
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(strings.Join(quoted, " "), opts...)
	if err != nil {
		return nil, err
	}
	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find console process: %w", err)
	}
	cmd.Process = proc
	return &windowsPTY{cpty: cpty}, nil
}
