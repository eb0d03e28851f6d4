package identity

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestLoad_CreatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_id")

	first, err := Load(path)
	assert.NilError(t, err)
	assert.Assert(t, first.ID != "")
	assert.Assert(t, first.Hostname != "")

	second, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestLoad_EmptyFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_id")
	assert.NilError(t, writeIDFile(path, ""))

	_, err := Load(path)
	assert.ErrorContains(t, err, "empty")
}
