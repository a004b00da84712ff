package approval

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - command: "git status"
  - command: "go test"
    mode: prefix
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rs, err := LoadRules(path)
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())

	assert.True(t, rs.Matches("git status"))
	assert.False(t, rs.Matches("git status --short"))
	assert.True(t, rs.Matches("go test ./..."))
	assert.False(t, rs.Matches("rm -rf /"))
}

func TestLoadRules_MissingFile(t *testing.T) {
	rs, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Len())
}

func TestRuleSet_Add(t *testing.T) {
	rs := NewRuleSet()
	rs.Add(TrustedRule{Command: "npm run lint"})
	rs.Add(TrustedRule{Command: ""})

	assert.Equal(t, 1, rs.Len())
	assert.True(t, rs.Matches("npm run lint"))
}
