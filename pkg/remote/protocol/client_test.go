package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	params string
	notify bool
}

// fakeCaller records calls and answers them from results, keyed by method.
type fakeCaller struct {
	calls   []call
	results map[string]interface{}
	respond func(method string, params interface{}) interface{}
	err     error
}

func (f *fakeCaller) record(method string, params interface{}, notify bool) {
	raw, _ := json.Marshal(params)
	f.calls = append(f.calls, call{method: method, params: string(raw), notify: notify})
}

func (f *fakeCaller) Call(_ context.Context, method string, params, result interface{}) error {
	f.record(method, params, false)
	if f.err != nil {
		return f.err
	}
	if f.respond != nil {
		raw, _ := json.Marshal(f.respond(method, params))
		return json.Unmarshal(raw, result)
	}
	if v, ok := f.results[method]; ok && result != nil {
		raw, _ := json.Marshal(v)
		return json.Unmarshal(raw, result)
	}
	return nil
}

func (f *fakeCaller) Notify(_ context.Context, method string, params interface{}) error {
	f.record(method, params, true)
	return f.err
}

func TestAgentClient_Requests(t *testing.T) {
	ctx := context.Background()
	f := &fakeCaller{results: map[string]interface{}{
		MethodUpdate:       "",
		MethodStart:        "No such module 9",
		MethodRedirect:     true,
		MethodShell:        "ok\n",
		MethodPing:         true,
		MethodIsEnvoy:      false,
		MethodInstall:      InstallResult{Bundle: &BundleDTO{ID: 3, Location: "loc"}},
		MethodGetFramework: FrameworkDTO{Name: "main", State: "ACTIVE"},
	}}
	agent := NewAgentClient(f)

	report, err := agent.Update(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, report)

	report, err = agent.Start(ctx, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, "No such module 9", report)

	ok, err := agent.Redirect(ctx, RedirectShell)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err := agent.Shell(ctx, "ss")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	res, err := agent.Install(ctx, "loc", "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Bundle.ID)

	dto, err := agent.GetFramework(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", dto.Name)

	_, err = agent.CreateFramework(ctx, "x", map[string]string{"k": "v"}, true)
	require.NoError(t, err)

	assert.Equal(t, []call{
		{method: MethodUpdate, params: `{"bundles":{}}`},
		{method: MethodStart, params: `{"ids":[1,9]}`},
		{method: MethodRedirect, params: `{"port":-1}`},
		{method: MethodShell, params: `{"text":"ss"}`},
		{method: MethodInstall, params: `{"location":"loc","hash":"abc"}`},
		{method: MethodGetFramework, params: `null`},
		{method: MethodCreateFramework, params: `{"name":"x","properties":{"k":"v"},"reuse":true}`},
	}, f.calls)
}

func TestAgentClient_Error(t *testing.T) {
	boom := errors.New("boom")
	agent := NewAgentClient(&fakeCaller{err: boom})

	_, err := agent.GetFramework(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = agent.Ping(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSupervisorClient_Notifications(t *testing.T) {
	ctx := context.Background()
	f := &fakeCaller{results: map[string]interface{}{MethodGetFile: FileChunk{Data: []byte("data"), Size: 4}}}
	sup := NewSupervisorClient(f)

	require.NoError(t, sup.Event(ctx, EventExit, ExitAbort))
	require.NoError(t, sup.Stdout(ctx, "out"))
	require.NoError(t, sup.Stderr(ctx, "err"))
	data, err := sup.GetFile(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	assert.Equal(t, []call{
		{method: MethodEvent, params: `{"type":"exit","code":-3}`, notify: true},
		{method: MethodStdout, params: `{"text":"out"}`, notify: true},
		{method: MethodStderr, params: `{"text":"err"}`, notify: true},
		{method: MethodGetFile, params: `{"hash":"h","offset":0,"length":4194304}`},
	}, f.calls)
}

func TestSupervisorClient_GetFileChunks(t *testing.T) {
	content := []byte("0123456789")
	f := &fakeCaller{respond: func(_ string, params interface{}) interface{} {
		p := params.(GetFileParams)
		p.Length = 4
		return Chunk(content, p)
	}}
	data, err := NewSupervisorClient(f).GetFile(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, content, data)

	require.Len(t, f.calls, 3)
	assert.Equal(t, `{"hash":"h","offset":8,"length":4194304}`, f.calls[2].params)
}

func TestSupervisorClient_GetFileUnknown(t *testing.T) {
	f := &fakeCaller{respond: func(string, interface{}) interface{} { return nil }}
	data, err := NewSupervisorClient(f).GetFile(context.Background(), "h")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSupervisorClient_GetFileTruncated(t *testing.T) {
	f := &fakeCaller{respond: func(_ string, params interface{}) interface{} {
		if params.(GetFileParams).Offset == 0 {
			return FileChunk{Data: []byte("abc"), Size: 10}
		}
		return FileChunk{Size: 10}
	}}
	_, err := NewSupervisorClient(f).GetFile(context.Background(), "h")
	assert.ErrorContains(t, err, "truncated")
}

func TestSupervisorClient_GetFileTooLarge(t *testing.T) {
	f := &fakeCaller{respond: func(string, interface{}) interface{} {
		return FileChunk{Data: []byte("a"), Size: MaxFileSize + 1}
	}}
	_, err := NewSupervisorClient(f).GetFile(context.Background(), "h")
	assert.ErrorContains(t, err, "limit")
}

func TestChunk(t *testing.T) {
	data := []byte("abcdef")
	assert.Equal(t, &FileChunk{Data: []byte("cd"), Size: 6}, Chunk(data, GetFileParams{Offset: 2, Length: 2}))
	assert.Equal(t, &FileChunk{Data: []byte("ef"), Size: 6}, Chunk(data, GetFileParams{Offset: 4, Length: 10}))
	assert.Equal(t, &FileChunk{Data: []byte("abcdef"), Size: 6}, Chunk(data, GetFileParams{}))
	assert.Equal(t, &FileChunk{Data: []byte{}, Size: 6}, Chunk(data, GetFileParams{Offset: 9}))
}
