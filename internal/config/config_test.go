package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestLoadFileOverlaysNonZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tftpd.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("port: 1069\nroot: /srv/tftp\n"), 0o644))

	merged, err := LoadFile(path, Default())
	assert.NilError(t, err)
	assert.Equal(t, merged.Port, 1069)
	assert.Equal(t, merged.Root, "/srv/tftp")
	assert.Equal(t, merged.Address, "0.0.0.0")
	assert.Equal(t, merged.TimeoutSeconds, 5)
}

func TestLoadFileMissingReturnsError(t *testing.T) {
	_, err := LoadFile("/nonexistent/tftpd.yaml", Default())
	assert.Assert(t, err != nil)
}

func TestTimeout(t *testing.T) {
	c := Default()
	assert.Equal(t, c.Timeout().Seconds(), float64(5))
}
