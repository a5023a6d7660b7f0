package worktree

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/store"
)

func TestSanitizeBranchName(t *testing.T) {
	assert.Equal(t, "feat/login", SanitizeBranchName("feat/login"))
	assert.Equal(t, "fix-login-bug", SanitizeBranchName("fix login bug!"))
	assert.Equal(t, "a_b-c", SanitizeBranchName("a_b-c"))
	assert.Equal(t, "work", SanitizeBranchName("???"))
	assert.Equal(t, "trimmed", SanitizeBranchName("--trimmed--"))
}

func TestAutoBranchName(t *testing.T) {
	name := AutoBranchName("1234567890abcdef")
	assert.True(t, strings.HasPrefix(name, "auto/12345678-"), name)
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, err := NewManager(Config{Enabled: true, BasePath: t.TempDir()}, st, logger.Default())
	require.NoError(t, err)
	return m, st
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	m, st := newTestManager(t)
	repo := initGitRepo(t)
	ctx := context.Background()

	mapping, err := m.Create(ctx, "thread-1", repo, "feat/thing", "build the thing")
	require.NoError(t, err)
	assert.Equal(t, "feat/thing", mapping.BranchName)
	assert.True(t, m.IsValid(mapping.WorktreePath))

	stored, ok, err := st.GetWorktreeMapping(ctx, "thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mapping.WorktreePath, stored.WorktreePath)

	// Second create for the same thread reuses the worktree
	again, err := m.Create(ctx, "thread-1", repo, "other-branch", "")
	require.NoError(t, err)
	assert.Equal(t, mapping.WorktreePath, again.WorktreePath)

	require.NoError(t, m.Remove(ctx, "thread-1", true))
	assert.False(t, m.IsValid(mapping.WorktreePath))
	_, ok, err = st.GetWorktreeMapping(ctx, "thread-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing again fails cleanly
	assert.Error(t, m.Remove(ctx, "thread-1", false))
}

func TestManagerRequiresBasePathWhenEnabled(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = NewManager(Config{Enabled: true}, st, logger.Default())
	assert.Error(t, err)

	m, err := NewManager(Config{Enabled: false}, st, logger.Default())
	require.NoError(t, err)
	assert.False(t, m.IsEnabled())
}
