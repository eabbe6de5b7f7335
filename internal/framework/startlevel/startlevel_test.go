package startlevel

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/framework"
	"github.com/kandev/fwagent/internal/framework/local"
	"github.com/kandev/fwagent/internal/framework/manifest"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func TestNew_Noop(t *testing.T) {
	p, err := New(nil, newTestLogger())
	require.NoError(t, err)
	assert.IsType(t, noop{}, p)
	assert.NoError(t, p.BeforeStart(context.Background(), nil))
	assert.NoError(t, p.AfterStart(context.Background()))
	assert.NoError(t, p.Sync(context.Background()))
	p.Close()
}

func TestNew_Invalid(t *testing.T) {
	tests := []map[string]string{
		{PropDefault: "x"},
		{PropDefault: "0"},
		{PropDefault: "2", PropTarget: "high"},
	}
	for _, props := range tests {
		_, err := New(props, newTestLogger())
		assert.Error(t, err, props)
	}
}

func TestPolicy_RaisesToTarget(t *testing.T) {
	ctx := context.Background()
	fw, err := local.New(framework.Config{Name: "sl", Logger: newTestLogger()})
	require.NoError(t, err)

	p, err := New(map[string]string{PropDefault: "3"}, newTestLogger())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, fw.Init(ctx))
	require.NoError(t, p.BeforeStart(ctx, fw))
	require.NoError(t, fw.Start(ctx))
	assert.Equal(t, 1, fw.StartLevel())
	assert.Equal(t, 3, fw.InitialModuleStartLevel())

	require.NoError(t, p.AfterStart(ctx))
	assert.Equal(t, 4, fw.StartLevel())

	m, err := fw.Install(ctx, "file:a", bytes.NewReader(manifest.MustBuild("a", "1")))
	require.NoError(t, err)
	assert.Equal(t, 3, m.StartLevel())
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, framework.Active, m.State())

	// a level dropped by hand is restored on the next sync
	require.NoError(t, fw.SetStartLevel(ctx, 1))
	assert.Equal(t, framework.Resolved, m.State())
	require.NoError(t, p.Sync(ctx))
	assert.Equal(t, 4, fw.StartLevel())
	assert.Equal(t, framework.Active, m.State())
}

func TestPolicy_ExplicitTargetAndClose(t *testing.T) {
	ctx := context.Background()
	fw, err := local.New(framework.Config{Name: "sl", Logger: newTestLogger()})
	require.NoError(t, err)

	p, err := New(map[string]string{PropDefault: "2", PropTarget: "7"}, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, p.BeforeStart(ctx, fw))
	require.NoError(t, fw.Start(ctx))
	require.NoError(t, p.AfterStart(ctx))
	assert.Equal(t, 7, fw.StartLevel())

	p.Close()
	require.NoError(t, fw.SetStartLevel(ctx, 1))
	require.NoError(t, p.Sync(ctx))
	assert.Equal(t, 1, fw.StartLevel())
}
