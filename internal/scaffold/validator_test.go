package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckExisting(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		wantErr string
	}{
		{name: "empty directory"},
		{name: "bus.yml only", files: []string{"bus.yml"}, wantErr: "found bus.yml"},
		{name: "env example only", files: []string{".env.example"}, wantErr: "found .env.example"},
		{name: "both", files: []string{"bus.yml", ".env.example"}, wantErr: "found bus.yml, .env.example"},
		{name: "unrelated files", files: []string{"README.md"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0644))
			}

			err := CheckExisting(dir)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "--force")
		})
	}
}
