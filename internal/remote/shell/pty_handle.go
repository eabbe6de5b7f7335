package shell

import "io"

// ptyHandle abstracts the pseudo terminal of the shell process: creack/pty on
// Unix, ConPTY on Windows.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
