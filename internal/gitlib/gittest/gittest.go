// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/require"

	"commitrelay/internal/gitlib"
)

// Repo is a temporary repository with a deterministic commit clock.
type Repo struct {
	t      *testing.T
	Path   string
	native *git2go.Repository
	clock  time.Time
	head   gitlib.Hash
}

// New initialises an empty repository under t.TempDir.
func New(t *testing.T) *Repo {
	t.Helper()

	dir := t.TempDir()
	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)
	t.Cleanup(repo.Free)

	return &Repo{
		t:      t,
		Path:   dir,
		native: repo,
		clock:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// WriteFile creates or replaces a file in the working tree.
func (r *Repo) WriteFile(name, content string) {
	r.t.Helper()

	path := filepath.Join(r.Path, name)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(r.t, os.WriteFile(path, []byte(content), 0o644))
}

// Remove deletes a file from the working tree.
func (r *Repo) Remove(name string) {
	r.t.Helper()
	require.NoError(r.t, os.Remove(filepath.Join(r.Path, name)))
}

// Commit stages the whole working tree and commits it on HEAD.
func (r *Repo) Commit(message string) gitlib.Hash {
	r.t.Helper()

	index, err := r.native.Index()
	require.NoError(r.t, err)
	defer index.Free()

	require.NoError(r.t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(r.t, index.UpdateAll([]string{"*"}, nil))
	require.NoError(r.t, index.Write())

	treeID, err := index.WriteTree()
	require.NoError(r.t, err)

	tree, err := r.native.LookupTree(treeID)
	require.NoError(r.t, err)
	defer tree.Free()

	r.clock = r.clock.Add(time.Minute)
	sig := &git2go.Signature{Name: "Test User", Email: "test@example.com", When: r.clock}

	var parents []*git2go.Commit
	if !r.head.IsZero() {
		parent, err := r.native.LookupCommit(r.head.ToOid())
		require.NoError(r.t, err)
		defer parent.Free()
		parents = append(parents, parent)
	}

	oid, err := r.native.CreateCommit("HEAD", sig, sig, message, tree, parents...)
	require.NoError(r.t, err)

	prev := r.head
	r.head = gitlib.HashFromOid(oid)
	r.appendHeadLog(prev, r.head, message)

	return r.head
}

// Head returns the last commit created through Commit.
func (r *Repo) Head() gitlib.Hash {
	return r.head
}

// appendHeadLog records the ref move in logs/HEAD the way the git CLI does.
// libgit2 only writes this file when core.logAllRefUpdates is enabled.
func (r *Repo) appendHeadLog(from, to gitlib.Hash, message string) {
	r.t.Helper()

	dir := filepath.Join(r.native.Path(), "logs")
	require.NoError(r.t, os.MkdirAll(dir, 0o755))

	f, err := os.OpenFile(filepath.Join(dir, "HEAD"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(r.t, err)
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s %s Test User <test@example.com> %d +0000\tcommit: %s\n",
		from, to, r.clock.Unix(), message)
	require.NoError(r.t, err)
}
