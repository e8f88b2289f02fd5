package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/distbuild/internal/manifest"
	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/internal/toolcache"
	"github.com/ChuLiYu/distbuild/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "fbworker", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
	}
	assert.Len(t, names, 3, "Should have 3 subcommands")
	assert.True(t, names["run"], "Should have 'run' command")
	assert.True(t, names["status"], "Should have 'status' command")
	assert.True(t, names["cache"], "Should have 'cache' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:4000"
  tick_interval: 50ms
  heartbeat_interval: 5s
  outbox_size: 64
  file_request_window: 16

worker:
  worker_count: 4
  job_timeout: 2m
  command: ["/usr/bin/cc-wrapper", "--remote"]

cache:
  dir: "/var/cache/fbworker"

metrics:
  enabled: true
  listen: ":8080"

health:
  enabled: true
  listen: ":9000"

log:
  level: debug
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:4000", cfg.Server.Listen)
	assert.Equal(t, 50*time.Millisecond, cfg.Server.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 64, cfg.Server.OutboxSize)
	assert.Equal(t, 16, cfg.Server.FileWindow)

	assert.Equal(t, 4, cfg.Worker.WorkerCount)
	assert.Equal(t, 2*time.Minute, cfg.Worker.JobTimeout)
	assert.Equal(t, []string{"/usr/bin/cc-wrapper", "--remote"}, cfg.Worker.Command)
	assert.False(t, cfg.Worker.Disabled)

	assert.Equal(t, "/var/cache/fbworker", cfg.Cache.Dir)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":8080", cfg.Metrics.Listen)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, ":9000", cfg.Health.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "worker:\n  command: [cc]\n")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":31264", cfg.Server.Listen)
	assert.Equal(t, 100*time.Millisecond, cfg.Server.TickInterval)
	assert.Equal(t, protocol.HeartbeatInterval, cfg.Server.HeartbeatInterval)
	assert.Equal(t, transport.DefaultOutboxSize, cfg.Server.OutboxSize)
	assert.Equal(t, manifest.DefaultRequestWindow, cfg.Server.FileWindow)
	assert.Equal(t, runtime.NumCPU(), cfg.Worker.WorkerCount)
	assert.Equal(t, defaultCacheDir, cfg.Cache.Dir)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.Equal(t, ":31265", cfg.Health.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "worker: [unclosed"},
		{"no command", "worker:\n  worker_count: 2\n"},
		{"heartbeat too slow", "worker:\n  command: [cc]\nserver:\n  heartbeat_interval: 1m\n"},
		{"file window exceeds outbox", "worker:\n  command: [cc]\nserver:\n  outbox_size: 32\n  file_request_window: 20\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "missing file should fail")
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9090", dialAddr(":9090"))
	assert.Equal(t, "10.0.0.5:9090", dialAddr("10.0.0.5:9090"))
	assert.Equal(t, "bogus", dialAddr("bogus"))
}

func TestCacheCommandListsEntries(t *testing.T) {
	dir := t.TempDir()
	cache, err := toolcache.Open(dir)
	require.NoError(t, err)
	require.NoError(t, cache.Put("bin/cc", 0xabc, 1, 3, []byte("exe")))
	require.NoError(t, cache.Flush())

	path := writeConfig(t, "worker:\n  command: [cc]\ncache:\n  dir: "+dir+"\n")

	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"cache", "-c", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "bin/cc")
	assert.Contains(t, out.String(), "0000000000000abc")
}

func TestCacheCommandVerify(t *testing.T) {
	dir := t.TempDir()
	cache, err := toolcache.Open(dir)
	require.NoError(t, err)
	require.NoError(t, cache.Put("bin/cc", 0xabc, 1, 3, []byte("exe")))
	require.NoError(t, cache.Flush())
	p, ok := cache.Path(0xabc, 1)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(p, []byte("bad"), 0o755))

	path := writeConfig(t, "worker:\n  command: [cc]\ncache:\n  dir: "+dir+"\n")

	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"cache", "--verify", "-c", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "removed damaged file bin/cc")

	reopened, err := toolcache.Open(dir)
	require.NoError(t, err)
	assert.Empty(t, reopened.Entries())
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "worker:\n  command: [cc, -x]\n  worker_count: 3\ncache:\n  dir: "+dir+"\n")

	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--config", path})
	require.NoError(t, cmd.Execute())

	s := out.String()
	assert.Contains(t, s, "Workers:       3")
	assert.Contains(t, s, "cc -x")
	assert.Contains(t, s, "Files:         0")
	assert.Contains(t, s, "disabled")
}

func TestRunWorkerStopsOnCancel(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:0"
worker:
  worker_count: 1
  command: [cc]
cache:
  dir: `+t.TempDir()+`
metrics:
  enabled: true
  listen: "127.0.0.1:0"
health:
  enabled: true
  listen: "127.0.0.1:0"
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runWorker(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runWorker did not return")
	}
}
