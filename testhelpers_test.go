package cryptfs

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestVolume formats a fresh, small volume backed by a temp file and
// returns it already unlocked, ready for entry/FAT/directory operations.
func newTestVolume(t *testing.T) (*Volume, []byte) {
	t.Helper()
	dir := t.TempDir()

	dev, err := OpenBlockDevice(filepath.Join(dir, "disk.img"))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	vol := NewVolume(dev, slog.New(slog.NewTextHandler(io.Discard, nil)))
	masterKey, err := vol.Format(FormatOptions{
		DeviceSizeBytes: 4 * 1024 * 1024,
		PublicKeyPath:   filepath.Join(dir, "public.pem"),
		PrivateKeyPath:  filepath.Join(dir, "private.pem"),
	})
	require.NoError(t, err)
	require.NoError(t, vol.State.SetMasterKey(masterKey))
	return vol, masterKey
}
