package gitlib

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	git2go "github.com/libgit2/git2go/v34"
)

var (
	// ErrNoCommits is returned by Head when the current branch has no commits yet.
	ErrNoCommits = errors.New("gitlib: repository has no commits")
	// ErrNoParent is returned by FileStats for root commits.
	ErrNoParent = errors.New("gitlib: commit has no parent")
)

// Signature is a commit author or committer.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is the metadata of a single commit, detached from libgit2 memory.
type Commit struct {
	Hash        Hash
	Message     string
	Author      Signature
	ParentCount int
}

// FileStat is the line count change of one file between a commit and its parent.
type FileStat struct {
	Path       string
	Insertions uint
	Deletions  uint
}

// Repository wraps a libgit2 repository. Methods are safe for concurrent use.
type Repository struct {
	mu   sync.Mutex
	repo *git2go.Repository
	path string
}

// Open opens the git repository containing path.
func Open(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Repository{repo: repo, path: path}, nil
}

// Path returns the path the repository was opened with.
func (r *Repository) Path() string {
	return r.path
}

// GitDir returns the repository metadata directory (".git" for normal clones,
// the per-worktree directory for linked worktrees).
func (r *Repository) GitDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return filepath.Clean(r.repo.Path())
}

// HeadLogPath returns the reflog file updated whenever HEAD moves.
func (r *Repository) HeadLogPath() string {
	return filepath.Join(r.GitDir(), "logs", "HEAD")
}

// Head returns the commit HEAD points at.
func (r *Repository) Head() (Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if unborn, err := r.repo.IsHeadUnborn(); err == nil && unborn {
		return Hash{}, ErrNoCommits
	}

	ref, err := r.repo.Head()
	if err != nil {
		return Hash{}, fmt.Errorf("get HEAD: %w", err)
	}
	defer ref.Free()

	return HashFromOid(ref.Target()), nil
}

// HasCommit reports whether the commit exists in the object database.
func (r *Repository) HasCommit(h Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	commit, err := r.repo.LookupCommit(h.ToOid())
	if err != nil {
		return false
	}
	commit.Free()
	return true
}

// CommitsSince lists commits reachable from HEAD but not from base, newest first.
func (r *Repository) CommitsSince(base Hash) ([]Commit, error) {
	return r.walk(base, 0)
}

// Recent lists up to limit commits reachable from HEAD, newest first.
func (r *Repository) Recent(limit int) ([]Commit, error) {
	return r.walk(Hash{}, limit)
}

func (r *Repository) walk(hide Hash, limit int) ([]Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	walk, err := r.repo.Walk()
	if err != nil {
		return nil, fmt.Errorf("create revwalk: %w", err)
	}
	defer walk.Free()

	// Topological order keeps children ahead of their parents even when
	// author clocks disagree.
	walk.Sorting(git2go.SortTopological | git2go.SortTime)

	if err := walk.PushHead(); err != nil {
		return nil, fmt.Errorf("push HEAD to revwalk: %w", err)
	}
	if !hide.IsZero() {
		if err := walk.Hide(hide.ToOid()); err != nil {
			return nil, fmt.Errorf("hide %s: %w", hide.Short(), err)
		}
	}

	var commits []Commit
	err = walk.Iterate(func(c *git2go.Commit) bool {
		defer c.Free()

		author := c.Author()
		commits = append(commits, Commit{
			Hash:    HashFromOid(c.Id()),
			Message: c.Message(),
			Author: Signature{
				Name:  author.Name,
				Email: author.Email,
				When:  author.When,
			},
			ParentCount: int(c.ParentCount()),
		})
		return limit <= 0 || len(commits) < limit
	})
	if err != nil {
		return commits, fmt.Errorf("revwalk iterate: %w", err)
	}
	return commits, nil
}

// FileStats returns per-file insertion and deletion counts between the commit
// and its first parent. A root commit has no parent to compare with and
// yields ErrNoParent.
func (r *Repository) FileStats(h Hash) ([]FileStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	commit, err := r.repo.LookupCommit(h.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", h.Short(), err)
	}
	defer commit.Free()

	if commit.ParentCount() == 0 {
		return nil, ErrNoParent
	}

	parent := commit.Parent(0)
	if parent == nil {
		return nil, fmt.Errorf("commit %s: %w", h.Short(), ErrNoParent)
	}
	defer parent.Free()

	newTree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("commit tree: %w", err)
	}
	defer newTree.Free()

	oldTree, err := parent.Tree()
	if err != nil {
		return nil, fmt.Errorf("parent tree: %w", err)
	}
	defer oldTree.Free()

	opts, err := git2go.DefaultDiffOptions()
	if err != nil {
		return nil, fmt.Errorf("diff options: %w", err)
	}

	diff, err := r.repo.DiffTreeToTree(oldTree, newTree, &opts)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	defer func() { _ = diff.Free() }()

	return collectFileStats(diff)
}

// collectFileStats counts added and deleted lines per delta.
func collectFileStats(diff *git2go.Diff) ([]FileStat, error) {
	var stats []FileStat

	err := diff.ForEach(func(delta git2go.DiffDelta, _ float64) (git2go.DiffForEachHunkCallback, error) {
		path := delta.NewFile.Path
		if path == "" {
			path = delta.OldFile.Path
		}
		stats = append(stats, FileStat{Path: path})
		idx := len(stats) - 1

		return func(_ git2go.DiffHunk) (git2go.DiffForEachLineCallback, error) {
			return func(line git2go.DiffLine) error {
				switch line.Origin {
				case git2go.DiffLineAddition:
					stats[idx].Insertions++
				case git2go.DiffLineDeletion:
					stats[idx].Deletions++
				}
				return nil
			}, nil
		}, nil
	}, git2go.DiffDetailLines)
	if err != nil {
		return nil, fmt.Errorf("diff foreach: %w", err)
	}

	return stats, nil
}

// Free releases the underlying libgit2 repository.
func (r *Repository) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}
