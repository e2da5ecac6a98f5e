package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/config"
)

func TestDefaultPassesValidate(t *testing.T) {
	require.NoError(t, config.Validate(config.Default()))
}

func TestValidateRejectsNonPositiveLeaseTTL(t *testing.T) {
	cfg := config.Default()
	cfg.LeaseTTLSeconds = 0
	require.Error(t, config.Validate(cfg))
}

func TestValidateRejectsNonPositiveTelemetryWindow(t *testing.T) {
	cfg := config.Default()
	cfg.Builder.MaxTelemetryAgeMinutes = 0
	require.Error(t, config.Validate(cfg))
}

func TestLoadParsesYAMLOverridesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selene.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lease_ttl_seconds: 120\nquota_per_second: 8\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 120, cfg.LeaseTTLSeconds)
	require.Equal(t, 8.0, cfg.QuotaPerSecond)
	require.Equal(t, config.Default().Builder, cfg.Builder, "unset sections keep their defaults")
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selene.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lease_ttl_seconds: -1\n"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestHolderReloadSwapsOnlyOnValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selene.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lease_ttl_seconds: 60\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	holder := config.NewHolder(cfg, path)
	require.Equal(t, uint64(1), holder.Current().Epoch)

	require.NoError(t, os.WriteFile(path, []byte("lease_ttl_seconds: 90\n"), 0o644))
	require.NoError(t, holder.Reload(context.Background()))
	require.Equal(t, 90, holder.Current().App.LeaseTTLSeconds)
	require.Equal(t, uint64(2), holder.Current().Epoch)

	require.NoError(t, os.WriteFile(path, []byte("lease_ttl_seconds: -5\n"), 0o644))
	require.Error(t, holder.Reload(context.Background()))
	require.Equal(t, 90, holder.Current().App.LeaseTTLSeconds, "an invalid reload must not displace the running config")
}

func TestHolderStartWatcherPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selene.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lease_ttl_seconds: 60\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	holder := config.NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, holder.StartWatcher(ctx))
	defer holder.Stop()

	require.NoError(t, os.WriteFile(path, []byte("lease_ttl_seconds: 75\n"), 0o644))

	require.Eventually(t, func() bool {
		return holder.Current().App.LeaseTTLSeconds == 75
	}, 2*time.Second, 20*time.Millisecond)
}
