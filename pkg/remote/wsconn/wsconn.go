// Package wsconn adapts a gorilla WebSocket to an io.ReadWriteCloser so the
// link protocol can run over it unchanged.
package wsconn

import (
	"io"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

const closeGrace = time.Second

// Conn carries the byte stream as binary frames. Frame boundaries are not
// significant to readers.
type Conn struct {
	ws *gorillaws.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
	closed  bool
}

// New wraps ws.
func New(ws *gorillaws.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != gorillaws.BinaryMessage && typ != gorillaws.TextMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if err := c.ws.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "")
	_ = c.ws.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	return c.ws.Close()
}
