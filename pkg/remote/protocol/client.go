package protocol

import (
	"context"
	"fmt"
)

// Caller is the part of a link the typed clients need.
type Caller interface {
	Call(ctx context.Context, method string, params, result interface{}) error
	Notify(ctx context.Context, method string, params interface{}) error
}

// AgentClient calls agent-side methods. Supervisors use it.
type AgentClient struct {
	c Caller
}

// NewAgentClient wraps c.
func NewAgentClient(c Caller) *AgentClient {
	return &AgentClient{c: c}
}

func (a *AgentClient) GetFramework(ctx context.Context) (*FrameworkDTO, error) {
	var out FrameworkDTO
	if err := a.c.Call(ctx, MethodGetFramework, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AgentClient) GetSystemProperties(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := a.c.Call(ctx, MethodGetSystemProperties, nil, &out)
	return out, err
}

// InstallWithData installs data; an empty location asks the agent to derive one.
func (a *AgentClient) InstallWithData(ctx context.Context, location string, data []byte) (*InstallResult, error) {
	var out InstallResult
	err := a.c.Call(ctx, MethodInstallWithData, InstallWithDataParams{Location: location, Data: data}, &out)
	return &out, err
}

func (a *AgentClient) Install(ctx context.Context, location, hash string) (*InstallResult, error) {
	var out InstallResult
	err := a.c.Call(ctx, MethodInstall, InstallParams{Location: location, Hash: hash}, &out)
	return &out, err
}

func (a *AgentClient) InstallFromURL(ctx context.Context, location, url string) (*InstallResult, error) {
	var out InstallResult
	err := a.c.Call(ctx, MethodInstallFromURL, InstallFromURLParams{Location: location, URL: url}, &out)
	return &out, err
}

// Start starts the modules and returns the aggregated error text. The agent
// answers null on success, which decodes to "".
func (a *AgentClient) Start(ctx context.Context, ids ...int64) (string, error) {
	return a.text(ctx, MethodStart, IDsParams{IDs: ids})
}

func (a *AgentClient) Stop(ctx context.Context, ids ...int64) (string, error) {
	return a.text(ctx, MethodStop, IDsParams{IDs: ids})
}

func (a *AgentClient) Uninstall(ctx context.Context, ids ...int64) (string, error) {
	return a.text(ctx, MethodUninstall, IDsParams{IDs: ids})
}

// Update reconciles the session toward bundles (location to content hash).
// The report is "" when the agent answers null.
func (a *AgentClient) Update(ctx context.Context, bundles map[string]string) (string, error) {
	if bundles == nil {
		bundles = map[string]string{}
	}
	return a.text(ctx, MethodUpdate, UpdateParams{Bundles: bundles})
}

func (a *AgentClient) UpdateBundle(ctx context.Context, id int64, hash string) (string, error) {
	return a.text(ctx, MethodUpdateBundle, UpdateBundleParams{ID: id, Hash: hash})
}

func (a *AgentClient) UpdateFromURL(ctx context.Context, id int64, url string) (string, error) {
	return a.text(ctx, MethodUpdateFromURL, UpdateFromURLParams{ID: id, URL: url})
}

func (a *AgentClient) Redirect(ctx context.Context, port int) (bool, error) {
	var out bool
	err := a.c.Call(ctx, MethodRedirect, RedirectParams{Port: port}, &out)
	return out, err
}

func (a *AgentClient) Stdin(ctx context.Context, text string) error {
	return a.c.Call(ctx, MethodStdin, TextParams{Text: text}, nil)
}

func (a *AgentClient) Shell(ctx context.Context, cmd string) (string, error) {
	return a.text(ctx, MethodShell, TextParams{Text: cmd})
}

func (a *AgentClient) Ping(ctx context.Context) (bool, error) {
	var out bool
	err := a.c.Call(ctx, MethodPing, nil, &out)
	return out, err
}

func (a *AgentClient) IsEnvoy(ctx context.Context) (bool, error) {
	var out bool
	err := a.c.Call(ctx, MethodIsEnvoy, nil, &out)
	return out, err
}

// CreateFramework asks an envoy to create (or reuse) a framework and bind this link to it.
func (a *AgentClient) CreateFramework(ctx context.Context, name string, properties map[string]string, reuse bool) (bool, error) {
	var out bool
	err := a.c.Call(ctx, MethodCreateFramework, CreateFrameworkParams{Name: name, Properties: properties, Reuse: reuse}, &out)
	return out, err
}

func (a *AgentClient) Close(ctx context.Context) error {
	return a.c.Call(ctx, MethodClose, nil, nil)
}

func (a *AgentClient) Abort(ctx context.Context) error {
	return a.c.Call(ctx, MethodAbort, nil, nil)
}

func (a *AgentClient) text(ctx context.Context, method string, params interface{}) (string, error) {
	var out string
	err := a.c.Call(ctx, method, params, &out)
	return out, err
}

// SupervisorClient pushes to and calls the supervisor. Agent sessions use it.
type SupervisorClient struct {
	c Caller
}

// NewSupervisorClient wraps c.
func NewSupervisorClient(c Caller) *SupervisorClient {
	return &SupervisorClient{c: c}
}

func (s *SupervisorClient) Event(ctx context.Context, typ string, code int) error {
	return s.c.Notify(ctx, MethodEvent, Event{Type: typ, Code: code})
}

func (s *SupervisorClient) Stdout(ctx context.Context, text string) error {
	return s.c.Notify(ctx, MethodStdout, TextParams{Text: text})
}

func (s *SupervisorClient) Stderr(ctx context.Context, text string) error {
	return s.c.Notify(ctx, MethodStderr, TextParams{Text: text})
}

func (s *SupervisorClient) Logged(ctx context.Context, entry LogEntry) error {
	return s.c.Notify(ctx, MethodLogged, entry)
}

func (s *SupervisorClient) OnFrameworkEvent(ctx context.Context, evt FrameworkEventDTO) error {
	return s.c.Notify(ctx, MethodOnFrameworkEvent, evt)
}

// GetFile asks the supervisor for the bytes with the given content hash,
// one chunk per call. A nil result means the supervisor does not have them.
func (s *SupervisorClient) GetFile(ctx context.Context, hash string) ([]byte, error) {
	var out []byte
	for {
		var chunk *FileChunk
		params := GetFileParams{Hash: hash, Offset: int64(len(out)), Length: FileChunkSize}
		if err := s.c.Call(ctx, MethodGetFile, params, &chunk); err != nil {
			return nil, err
		}
		if chunk == nil {
			return nil, nil
		}
		if chunk.Size > MaxFileSize {
			return nil, fmt.Errorf("content %s is %d bytes, above the %d byte limit", hash, chunk.Size, MaxFileSize)
		}
		if out == nil {
			out = make([]byte, 0, chunk.Size)
		}
		out = append(out, chunk.Data...)
		if int64(len(out)) >= chunk.Size {
			return out[:chunk.Size], nil
		}
		if len(chunk.Data) == 0 {
			return nil, fmt.Errorf("content %s truncated at %d of %d bytes", hash, len(out), chunk.Size)
		}
	}
}
