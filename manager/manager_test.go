package manager

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynplug/dynplug/config"
	"github.com/dynplug/dynplug/dynplugerr"
	"github.com/dynplug/dynplug/plugin"
)

type fakePlugin struct {
	name    string
	execute func(string) (string, error)
}

func (p *fakePlugin) Name() string        { return p.name }
func (p *fakePlugin) Version() string     { return "1.0" }
func (p *fakePlugin) Description() string { return "test plugin" }
func (p *fakePlugin) Execute(input string) (string, error) {
	return p.execute(input)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	return &Manager{
		registry: plugin.New(slog.New(slog.NewTextHandler(os.Stderr, nil))),
		store:    store,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

func registerEcho(t *testing.T, m *Manager, name string) {
	t.Helper()
	require.NoError(t, m.registry.Register(&fakePlugin{
		name:    name,
		execute: func(s string) (string, error) { return "echo:" + s, nil },
	}, "/plugins/"+name+".so"))
}

func TestListUnionsRegistryAndConfig(t *testing.T) {
	m := newTestManager(t)
	registerEcho(t, m, "good")
	require.NoError(t, m.store.SetPluginEnabled("ghost", true))

	list := m.List()
	require.Len(t, list, 2)
	byName := map[string]PluginInfo{}
	for _, info := range list {
		byName[info.Name] = info
	}
	assert.True(t, byName["good"].Loaded)
	assert.True(t, byName["good"].Enabled)
	assert.False(t, byName["ghost"].Loaded)
	assert.True(t, byName["ghost"].Enabled)
}

func TestEnableDisableNotFoundAsymmetry(t *testing.T) {
	m := newTestManager(t)

	err := m.Enable("nope")
	e, ok := dynplugerr.As(err)
	require.True(t, ok)
	assert.Equal(t, dynplugerr.KindNotFound, e.Kind())

	// pre-enabling a not-yet-deployed plugin is allowed once config
	// knows its name
	require.NoError(t, m.store.SetPluginEnabled("future", true))
	require.NoError(t, m.Enable("future"))
}

func TestEnableManyDisableManyIndependentFailure(t *testing.T) {
	m := newTestManager(t)
	registerEcho(t, m, "good")
	registerEcho(t, m, "also-good")

	results := m.EnableMany([]string{"good", "nope", "also-good"})
	require.Len(t, results, 3)
	assert.NoError(t, results["good"])
	assert.NoError(t, results["also-good"])
	e, ok := dynplugerr.As(results["nope"])
	require.True(t, ok)
	assert.Equal(t, dynplugerr.KindNotFound, e.Kind())

	assert.True(t, m.store.GetPluginEnabled("good"))
	assert.True(t, m.store.GetPluginEnabled("also-good"))

	results = m.DisableMany([]string{"good", "also-good"})
	require.Len(t, results, 2)
	assert.NoError(t, results["good"])
	assert.NoError(t, results["also-good"])
	assert.False(t, m.store.GetPluginEnabled("good"))
	assert.False(t, m.store.GetPluginEnabled("also-good"))
}

func TestExecuteDisabledPlugin(t *testing.T) {
	m := newTestManager(t)
	registerEcho(t, m, "good")
	require.NoError(t, m.Disable("good"))

	result := m.Execute("good", "hello", DefaultExecutionOptions())
	e, ok := dynplugerr.As(result.Err)
	require.True(t, ok)
	assert.Equal(t, dynplugerr.KindDisabled, e.Kind())

	cfg := m.store.Snapshot()
	assert.False(t, cfg.Plugins["good"].Enabled)
}

func TestExecuteUnknownPlugin(t *testing.T) {
	m := newTestManager(t)
	result := m.Execute("nope", "x", DefaultExecutionOptions())
	e, ok := dynplugerr.As(result.Err)
	require.True(t, ok)
	assert.Equal(t, dynplugerr.KindNotFound, e.Kind())
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	m := newTestManager(t)
	attempts := 0
	require.NoError(t, m.registry.Register(&fakePlugin{
		name: "flaky",
		execute: func(s string) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New(dynplugerr.TransientPrefix + "not yet")
			}
			return "ok", nil
		},
	}, ""))

	result := m.Execute("flaky", "", ExecutionOptions{MaxAttempts: 3, RetryBackoff: 10 * time.Millisecond})
	require.NoError(t, result.Err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, 3, result.Attempts)
	assert.GreaterOrEqual(t, result.DurationMillis, int64(20))
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	m := newTestManager(t)
	attempts := 0
	require.NoError(t, m.registry.Register(&fakePlugin{
		name: "broken",
		execute: func(s string) (string, error) {
			attempts++
			return "", errors.New("permanently broken")
		},
	}, ""))

	result := m.Execute("broken", "", ExecutionOptions{MaxAttempts: 5})
	require.Error(t, result.Err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteManyPreservesOrder(t *testing.T) {
	m := newTestManager(t)
	registerEcho(t, m, "a")
	registerEcho(t, m, "b")

	results := m.ExecuteMany([]ExecuteRequest{
		{Name: "a", Input: "1"},
		{Name: "nope", Input: "2"},
		{Name: "b", Input: "3"},
	}, DefaultExecutionOptions())

	require.Len(t, results, 3)
	assert.Equal(t, "echo:1", results[0].Output)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "echo:3", results[2].Output)
}

func TestRescanDoesNotUnloadVanishedFiles(t *testing.T) {
	m := newTestManager(t)
	registerEcho(t, m, "good")

	dir := t.TempDir()
	cfg := m.store.Snapshot()
	cfg.PluginsDir = dir
	require.NoError(t, m.store.Save(cfg))

	_, err := m.Rescan()
	require.NoError(t, err)

	info, err := m.Get("good")
	require.NoError(t, err)
	assert.True(t, info.Loaded)
}

func TestCallWithAdvisoryTimeoutDoesNotRetryOnTimeout(t *testing.T) {
	m := newTestManager(t)
	attempts := 0
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, m.registry.Register(&fakePlugin{
		name: "slow",
		execute: func(s string) (string, error) {
			attempts++
			close(started)
			<-release
			return "late", nil
		},
	}, ""))
	defer close(release)

	result := m.Execute("slow", "", ExecutionOptions{MaxAttempts: 3, PerCallTimeout: 20 * time.Millisecond})
	<-started
	e, ok := dynplugerr.As(result.Err)
	require.True(t, ok)
	assert.Equal(t, dynplugerr.KindTimeout, e.Kind())
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, attempts)
}
