package redirect

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kandev/fwagent/internal/remote/ringbuf"
)

// Console is the process-wide standard stream redirection shared by every
// console-redirected session. The first Attach swaps os.Stdout, os.Stderr and
// os.Stdin for pipes; the last release restores the originals.
type Console struct {
	mu   sync.Mutex
	refs int

	origOut, origErr, origIn *os.File
	outW, errW, inR          *os.File

	outB, errB *ringbuf.Broadcaster
	stdin      *ringbuf.Buffer
	// pumps tracks the output pumps of the current installation.
	pumps *sync.WaitGroup
}

// DefaultConsole redirects the real process streams.
var DefaultConsole = &Console{}

// Refs reports how many handles are attached.
func (c *Console) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Attach registers stdout and stderr as consumers of the process output.
func (c *Console) Attach(stdout, stderr io.Writer) (*ConsoleHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		if err := c.install(); err != nil {
			return nil, err
		}
	}
	c.refs++
	return &ConsoleHandle{
		console:   c,
		removeOut: c.outB.Add(stdout),
		removeErr: c.errB.Add(stderr),
	}, nil
}

func (c *Console) install() error {
	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		_ = errR.Close()
		_ = errW.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	c.origOut, c.origErr, c.origIn = os.Stdout, os.Stderr, os.Stdin
	c.outW, c.errW, c.inR = outW, errW, inR
	c.outB = ringbuf.NewBroadcaster(c.origOut)
	c.errB = ringbuf.NewBroadcaster(c.origErr)
	c.stdin = ringbuf.New(ringbuf.DefaultCapacity)

	os.Stdout, os.Stderr, os.Stdin = outW, errW, inR

	c.pumps = &sync.WaitGroup{}
	c.pumps.Add(2)
	go pump(c.pumps, outR, c.outB)
	go pump(c.pumps, errR, c.errB)
	go c.feed(c.stdin, inW)
	return nil
}

func pump(wg *sync.WaitGroup, r *os.File, b *ringbuf.Broadcaster) {
	defer wg.Done()
	defer r.Close()
	_, _ = io.Copy(b, r)
}

func (c *Console) feed(src *ringbuf.Buffer, w *os.File) {
	defer w.Close()
	_, _ = io.Copy(w, src)
}

// release drops one attachment. The last one restores the process streams
// and waits for the pumps outside the lock.
func (c *Console) release(h *ConsoleHandle) {
	c.mu.Lock()
	h.removeOut()
	h.removeErr()
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return
	}

	os.Stdout, os.Stderr, os.Stdin = c.origOut, c.origErr, c.origIn
	_ = c.outW.Close()
	_ = c.errW.Close()
	pumps, stdin, inR := c.pumps, c.stdin, c.inR
	c.outW, c.errW, c.inR = nil, nil, nil
	c.stdin, c.pumps = nil, nil
	c.mu.Unlock()

	pumps.Wait()
	_ = stdin.Close()
	_ = inR.Close()
}

func (c *Console) writeStdin(text string) error {
	c.mu.Lock()
	buf := c.stdin
	c.mu.Unlock()
	if buf == nil {
		return nil
	}
	_, err := buf.WriteString(text)
	return err
}

// ConsoleHandle is one attachment to a Console.
type ConsoleHandle struct {
	console   *Console
	removeOut func()
	removeErr func()
	once      sync.Once
}

// Stdin queues text for whoever reads the process stdin.
func (h *ConsoleHandle) Stdin(text string) error {
	return h.console.writeStdin(text)
}

// Out is the current process stdout.
func (h *ConsoleHandle) Out() io.Writer {
	return os.Stdout
}

// Close releases the attachment.
func (h *ConsoleHandle) Close() error {
	h.once.Do(func() { h.console.release(h) })
	return nil
}
