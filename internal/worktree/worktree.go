// Package worktree creates and removes git worktrees so each chat thread can
// work on its own branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/store"
)

// Config holds worktree settings.
type Config struct {
	Enabled  bool
	BasePath string
}

// Manager handles git worktree operations for thread isolation.
type Manager struct {
	config Config
	store  store.Store
	logger *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directory
// exists.
func NewManager(cfg Config, st store.Store, log *logger.Logger) (*Manager, error) {
	if cfg.Enabled {
		if cfg.BasePath == "" {
			return nil, fmt.Errorf("worktree base path is required when enabled")
		}
		if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
		}
	}
	return &Manager{
		config:    cfg,
		store:     st,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// IsEnabled returns whether worktree mode is on.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

var branchSanitizer = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// SanitizeBranchName makes a string usable as a git branch name.
func SanitizeBranchName(name string) string {
	s := branchSanitizer.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-/")
	if s == "" {
		s = "work"
	}
	return s
}

// AutoBranchName builds the branch name for an automatically created
// worktree.
func AutoBranchName(threadID string) string {
	id := threadID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("auto/%s-%d", SanitizeBranchName(id), time.Now().Unix())
}

// Create adds a worktree on a new branch and records the mapping for the
// thread. An existing valid mapping is reused.
func (m *Manager) Create(ctx context.Context, threadID, repoPath, branchName, description string) (*store.WorktreeMapping, error) {
	if existing, ok, err := m.store.GetWorktreeMapping(ctx, threadID); err != nil {
		return nil, err
	} else if ok && m.IsValid(existing.WorktreePath) {
		m.logger.Info("reusing existing worktree",
			zap.String("thread_id", threadID),
			zap.String("path", existing.WorktreePath))
		return existing, nil
	}

	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	branch := SanitizeBranchName(branchName)
	worktreePath := filepath.Join(m.config.BasePath, strings.ReplaceAll(branch, "/", "-"))

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git worktree add failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	mapping := &store.WorktreeMapping{
		ThreadID:     threadID,
		BranchName:   branch,
		WorktreePath: worktreePath,
		ProjectPath:  repoPath,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.SetWorktreeMapping(ctx, mapping); err != nil {
		return nil, err
	}

	m.logger.Info("created worktree",
		zap.String("thread_id", threadID),
		zap.String("branch", branch),
		zap.String("path", worktreePath))
	return mapping, nil
}

// Remove tears down the thread's worktree and optionally its branch.
func (m *Manager) Remove(ctx context.Context, threadID string, removeBranch bool) error {
	mapping, ok, err := m.store.GetWorktreeMapping(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no worktree for thread %q", threadID)
	}

	lock := m.getRepoLock(mapping.ProjectPath)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", mapping.WorktreePath)
	cmd.Dir = mapping.ProjectPath
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("git worktree remove failed, pruning",
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = mapping.ProjectPath
		_ = prune.Run()
	}

	if removeBranch {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", mapping.BranchName)
		cmd.Dir = mapping.ProjectPath
		if out, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to delete branch",
				zap.String("branch", mapping.BranchName),
				zap.String("output", strings.TrimSpace(string(out))))
		}
	}

	if _, err := m.store.RemoveWorktreeMapping(ctx, threadID); err != nil {
		return err
	}

	m.logger.Info("removed worktree",
		zap.String("thread_id", threadID),
		zap.String("path", mapping.WorktreePath))
	return nil
}

// MappingForThread returns the thread's worktree mapping.
func (m *Manager) MappingForThread(ctx context.Context, threadID string) (*store.WorktreeMapping, bool, error) {
	return m.store.GetWorktreeMapping(ctx, threadID)
}

// List returns all worktree mappings.
func (m *Manager) List(ctx context.Context) ([]*store.WorktreeMapping, error) {
	return m.store.ListWorktreeMappings(ctx)
}

// IsValid checks that the worktree directory still looks like a git
// worktree.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(path, ".git"))
	return err == nil
}
