package gitlib_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitrelay/internal/gitlib"
	"commitrelay/internal/gitlib/gittest"
)

func TestParseHash(t *testing.T) {
	h, err := gitlib.ParseHash("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", h.String())
	assert.Equal(t, "0123456", h.Short())
	assert.False(t, h.IsZero())

	_, err = gitlib.ParseHash("abc")
	require.Error(t, err)

	_, err = gitlib.ParseHash("zz23456789abcdef0123456789abcdef01234567")
	require.Error(t, err)

	assert.True(t, gitlib.Hash{}.IsZero())
}

func TestOpenNotARepository(t *testing.T) {
	_, err := gitlib.Open(t.TempDir())
	require.Error(t, err)
}

func TestHeadOfEmptyRepository(t *testing.T) {
	tr := gittest.New(t)

	repo, err := gitlib.Open(tr.Path)
	require.NoError(t, err)
	defer repo.Free()

	_, err = repo.Head()
	assert.True(t, errors.Is(err, gitlib.ErrNoCommits))
}

func TestHeadAndHeadLogPath(t *testing.T) {
	tr := gittest.New(t)
	tr.WriteFile("a.txt", "one\n")
	first := tr.Commit("first")

	repo, err := gitlib.Open(tr.Path)
	require.NoError(t, err)
	defer repo.Free()

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, first, head)
	assert.True(t, repo.HasCommit(first))
	assert.False(t, repo.HasCommit(gitlib.Hash{1, 2, 3}))

	assert.Equal(t, filepath.Join("logs", "HEAD"), relTail(repo.HeadLogPath()))
	assert.FileExists(t, repo.HeadLogPath())
}

func relTail(path string) string {
	return filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path))
}

func TestCommitsSinceIsNewestFirst(t *testing.T) {
	tr := gittest.New(t)
	tr.WriteFile("a.txt", "base\n")
	base := tr.Commit("base")

	var created []gitlib.Hash
	for i, msg := range []string{"c1", "c2", "c3"} {
		tr.WriteFile("a.txt", "base\n"+msg+"\n")
		tr.WriteFile(msg+".txt", string(rune('a'+i))+"\n")
		created = append(created, tr.Commit(msg))
	}

	repo, err := gitlib.Open(tr.Path)
	require.NoError(t, err)
	defer repo.Free()

	commits, err := repo.CommitsSince(base)
	require.NoError(t, err)
	require.Len(t, commits, 3)

	assert.Equal(t, created[2], commits[0].Hash)
	assert.Equal(t, created[1], commits[1].Hash)
	assert.Equal(t, created[0], commits[2].Hash)
	assert.Equal(t, "c3", commits[0].Message)
	assert.Equal(t, "Test User", commits[0].Author.Name)
	assert.Equal(t, "test@example.com", commits[0].Author.Email)
	assert.Equal(t, 1, commits[0].ParentCount)

	none, err := repo.CommitsSince(created[2])
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecentIsBounded(t *testing.T) {
	tr := gittest.New(t)
	for i := 0; i < 7; i++ {
		tr.WriteFile("log.txt", string(rune('a'+i))+"\n")
		tr.Commit("commit")
	}

	repo, err := gitlib.Open(tr.Path)
	require.NoError(t, err)
	defer repo.Free()

	commits, err := repo.Recent(5)
	require.NoError(t, err)
	assert.Len(t, commits, 5)
	assert.Equal(t, tr.Head(), commits[0].Hash)
}

func TestFileStats(t *testing.T) {
	tr := gittest.New(t)
	tr.WriteFile("keep.txt", "one\ntwo\nthree\n")
	tr.WriteFile("gone.txt", "x\ny\n")
	root := tr.Commit("root")

	tr.WriteFile("keep.txt", "one\nTWO\nthree\nfour\n")
	tr.WriteFile("new.txt", "fresh\n")
	tr.Remove("gone.txt")
	second := tr.Commit("second")

	repo, err := gitlib.Open(tr.Path)
	require.NoError(t, err)
	defer repo.Free()

	_, err = repo.FileStats(root)
	assert.True(t, errors.Is(err, gitlib.ErrNoParent))

	stats, err := repo.FileStats(second)
	require.NoError(t, err)

	byPath := make(map[string]gitlib.FileStat)
	for _, s := range stats {
		byPath[s.Path] = s
	}
	require.Len(t, byPath, 3)

	assert.Equal(t, gitlib.FileStat{Path: "keep.txt", Insertions: 2, Deletions: 1}, byPath["keep.txt"])
	assert.Equal(t, gitlib.FileStat{Path: "new.txt", Insertions: 1}, byPath["new.txt"])
	assert.Equal(t, gitlib.FileStat{Path: "gone.txt", Deletions: 2}, byPath["gone.txt"])
}
