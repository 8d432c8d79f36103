package projectconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestSaveThenLoadRoundTripNormativeShape(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Version: "1",
		SSH:     SSH{Enabled: true, Mode: SSHModeKeys},
		Ports:   Ports{Host: []int{8080}, Container: []int{80}, Mode: PortModeTunnel},
	}

	require.NoError(t, Save(dir, cfg))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{8080}, loaded.Ports.Host)
	assert.Equal(t, []int{80}, loaded.Ports.Container)
	assert.Equal(t, PortModeTunnel, loaded.Ports.Mode)
	assert.Empty(t, loaded.Ports.Legacy, "normative shape carries no legacy strings")
}

func TestLoadNormalizesLegacyPortsShape(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(Dir(dir), 0o755))
	raw := "version: \"1\"\nports:\n  - \"8080:80\"\n  - \"9000\"\n"
	require.NoError(t, os.WriteFile(Path(dir), []byte(raw), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"8080:80", "9000"}, cfg.Ports.Legacy)
	assert.Equal(t, []int{8080, 9000}, cfg.Ports.Host)
	assert.Equal(t, []int{80, 9000}, cfg.Ports.Container)
}

func TestSavePreservesLegacyShapeOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(Dir(dir), 0o755))
	raw := "ports:\n  - \"8080:80\"\n"
	require.NoError(t, os.WriteFile(Path(dir), []byte(raw), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.NoError(t, Save(dir, cfg))

	onDisk, err := os.ReadFile(Path(dir))
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "8080:80")
	assert.NotContains(t, string(onDisk), "host:")
}

func TestPackagesValidateRejectsUnsafeName(t *testing.T) {
	p := Packages{Apt: []string{"curl", "; rm -rf /"}}
	err := p.Validate()
	require.Error(t, err)
}

func TestPackagesValidateAllowsPostCommands(t *testing.T) {
	p := Packages{Post: []string{"echo hello && true"}}
	assert.NoError(t, p.Validate())
}

func TestValidateReportsMissingWorkspace(t *testing.T) {
	cfg := &Config{Workspaces: []Workspace{{Path: "/does/not/exist", MountName: "extra"}}}
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "/does/not/exist")
}

func TestConfigDigestIsStable(t *testing.T) {
	cfg := &Config{Version: "1"}
	d1, err := ConfigDigest(cfg)
	require.NoError(t, err)
	d2, err := ConfigDigest(cfg)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	cfg.Version = "2"
	d3, err := ConfigDigest(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestParsePortSpec(t *testing.T) {
	h, c, err := parsePortSpec("8080:80")
	require.NoError(t, err)
	assert.Equal(t, 8080, h)
	assert.Equal(t, 80, c)

	h, c, err = parsePortSpec("9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, h)
	assert.Equal(t, 9000, c)

	_, _, err = parsePortSpec("not-a-port")
	assert.Error(t, err)
}

func TestSaveCreatesNoLeftoverTempFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, &Config{Version: "1"}))

	entries, err := os.ReadDir(Dir(dir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
	_, err = os.Stat(filepath.Join(Dir(dir), FileName))
	assert.NoError(t, err)
}

func TestResourcesMemoryBytes(t *testing.T) {
	n, err := Resources{Memory: "512m"}.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), n)

	n, err = Resources{}.MemoryBytes()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = Resources{Memory: "not-a-size"}.MemoryBytes()
	assert.Error(t, err)
}
