package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fsType  string
		err     error
		wantErr string
	}{
		{name: "local", fsType: "0xef53"},
		{name: "nfs rejected", fsType: "nfs", wantErr: "needs local disk"},
		{name: "case insensitive", fsType: "SMBFS", wantErr: "SMBFS"},
		{name: "unsupported platform passes", err: errFSDetectUnsupported},
		{name: "detect failure", err: errors.New("statfs boom"), wantErr: "statfs boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := checkLocalFilesystemWith(filepath.Join(t.TempDir(), "state.db"), func(string) (string, error) {
				return tt.fsType, tt.err
			})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckLocalFilesystemInspectsNearestExistingDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystemWith(filepath.Join(root, "a", "b", "state.db"), func(p string) (string, error) {
		inspected = p
		return "ext4", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}
