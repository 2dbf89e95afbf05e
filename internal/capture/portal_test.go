package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreToken_SaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	assert.Equal(t, "", loadRestoreToken("deskrelay"))

	require.NoError(t, saveRestoreToken("deskrelay", "abc123"))
	assert.Equal(t, "abc123", loadRestoreToken("deskrelay"))

	require.NoError(t, saveRestoreToken("deskrelay", "xyz789"))
	assert.Equal(t, "xyz789", loadRestoreToken("deskrelay"))
}

func TestRestoreToken_EmptyTokenNotPersisted(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	require.NoError(t, saveRestoreToken("deskrelay", ""))
	assert.Equal(t, "", loadRestoreToken("deskrelay"))
}

func TestRestoreTokenPath_MissingRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	_, err := restoreTokenPath("deskrelay")
	assert.Error(t, err)
}
