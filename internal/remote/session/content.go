package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/shacache"
	"github.com/kandev/fwagent/pkg/remote/link"
)

// maxDownload bounds installFromURL and updateFromURL bodies.
const maxDownload = 256 << 20

// fetch resolves hash through the local cache, asking the Supervisor on a miss.
func (s *Session) fetch(ctx context.Context, hash string) ([]byte, error) {
	return s.cache.Get(ctx, hash, shacache.SourceFunc(s.fetchRemote))
}

func (s *Session) fetchRemote(ctx context.Context, hash string) ([]byte, error) {
	if s.supervisor == nil {
		return nil, nil
	}
	return s.supervisor.GetFile(ctx, hash)
}

// download reads a module artifact from an http(s) or file URL.
func (s *Session) download(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", raw, err)
		}
		return data, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", raw, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to download %s: %s", raw, resp.Status)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", raw, err)
		}
		if len(data) > maxDownload {
			return nil, fmt.Errorf("failed to download %s: larger than %d bytes", raw, maxDownload)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
}

// SystemProperties returns the process environment overlaid with props.
func SystemProperties(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	for k, v := range props {
		out[k] = v
	}
	return out
}

// pushTimeout bounds one output push. Output is dropped when the Supervisor
// stops reading.
var pushTimeout = 5 * time.Second

// pushWriter forwards redirected output to the Supervisor.
type pushWriter struct {
	s      *Session
	stderr bool
}

func (w *pushWriter) Write(p []byte) (int, error) {
	sup := w.s.supervisor
	if sup == nil || w.s.closed.Load() {
		return len(p), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	var err error
	if w.stderr {
		err = sup.Stderr(ctx, string(p))
	} else {
		err = sup.Stdout(ctx, string(p))
	}
	if err != nil && !errors.Is(err, link.ErrClosed) {
		w.s.logger.Debug("failed to push output", zap.Error(err))
	}
	return len(p), nil
}
