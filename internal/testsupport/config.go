package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"nodekeeper/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.WorkingDir = filepath.Join(base, "node")
	cfgVal.Paths.AssetBundle = filepath.Join(base, "assets")
	// Unix socket paths are limited to ~108 bytes; keep them short.
	cfgVal.Paths.SocketPath = filepath.Join(shortSocketDir(t), "nk.sock")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Notifications.DeliveryTimeoutMS = 100

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithCommandPolicy sets worker.command_policy.
func WithCommandPolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.CommandPolicy = policy
	}
}

// WithStopTimeout sets worker.stop_timeout in seconds.
func WithStopTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.StopTimeoutSeconds = seconds
	}
}

// WithAssetBundle writes files (relative path to contents) into the asset
// bundle directory.
func WithAssetBundle(files map[string]string) ConfigOption {
	return func(b *configBuilder) {
		WriteTree(b.t, b.cfg.Paths.AssetBundle, files)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

func shortSocketDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "nk")
	if err != nil {
		t.Fatalf("mkdir socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}
