package rdpserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSigned_LoopbackBind(t *testing.T) {
	ctx, err := GenerateSelfSigned("127.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, ctx.Config)
	assert.Len(t, ctx.Config.Certificates, 1)
	assert.NotEmpty(t, ctx.SubjectPubKeyDER)
}

func TestGenerateSelfSigned_WildcardBind(t *testing.T) {
	ctx, err := GenerateSelfSigned("0.0.0.0")
	require.NoError(t, err)
	assert.NotNil(t, ctx.Config)
}

func TestLoadTLSFromFiles_MissingFilesErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadTLSFromFiles(filepath.Join(dir, "nope.crt"), filepath.Join(dir, "nope.key"))
	assert.Error(t, err)
}

func TestLoadTLSFromFiles_RejectsInvalidPEM(t *testing.T) {
	// GenerateSelfSigned already exercises the keypair-construction path;
	// here we only check that writing out bogus PEM data is rejected
	// rather than silently accepted.
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certPath, []byte("not a cert"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := LoadTLSFromFiles(certPath, keyPath)
	assert.Error(t, err)
}
