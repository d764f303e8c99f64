// Package payload defines the commit data exchanged with the collection service.
package payload

import "time"

// ChangeType describes how a file was touched by a commit.
type ChangeType string

// Change types understood by the collection service.
const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// ClassifyChange derives a change type from line counts alone.
// Renames cannot be told apart from counts, so they are reported as modified.
func ClassifyChange(insertions, deletions uint) ChangeType {
	switch {
	case insertions > 0 && deletions == 0:
		return ChangeAdded
	case deletions > 0 && insertions == 0:
		return ChangeDeleted
	default:
		return ChangeModified
	}
}

// CommitFile holds per-file line statistics for a commit.
type CommitFile struct {
	Path         string     `json:"path"`
	LinesAdded   uint       `json:"lines_added"`
	LinesDeleted uint       `json:"lines_deleted"`
	ChangeType   ChangeType `json:"change_type"`
}

// NewCommitFile builds a CommitFile, classifying the change from its counts.
func NewCommitFile(path string, insertions, deletions uint) CommitFile {
	return CommitFile{
		Path:         path,
		LinesAdded:   insertions,
		LinesDeleted: deletions,
		ChangeType:   ClassifyChange(insertions, deletions),
	}
}

// CommitData is one extracted commit. Values are not modified after extraction.
type CommitData struct {
	SHA         string       `json:"sha"`
	Message     string       `json:"message"`
	AuthorName  string       `json:"author_name"`
	AuthorEmail string       `json:"author_email"`
	AuthorDate  time.Time    `json:"author_date"`
	Files       []CommitFile `json:"files"`
}

// PushStatsPayload is the body of a push-stats request.
// Commits are ordered oldest first.
type PushStatsPayload struct {
	ProjectID   string       `json:"project_id,omitempty"`
	ProjectName string       `json:"project_name,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Commits     []CommitData `json:"commits"`
}

// HeadSHA returns the hash of the newest commit in the payload, or "" when empty.
func (p *PushStatsPayload) HeadSHA() string {
	if p == nil || len(p.Commits) == 0 {
		return ""
	}
	return p.Commits[len(p.Commits)-1].SHA
}

// Normalized returns a deep copy of p with empty rather than nil slices, so
// the JSON form always carries "commits": [] and "files": [].
func (p PushStatsPayload) Normalized() PushStatsPayload {
	out := p
	out.Commits = make([]CommitData, len(p.Commits))
	for i, c := range p.Commits {
		c.Files = append(make([]CommitFile, 0, len(c.Files)), c.Files...)
		out.Commits[i] = c
	}
	return out
}

// Session is an active work session reported by the collection service.
type Session struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name,omitempty"`
}

// PushResult is the acknowledgement data returned for an accepted push.
type PushResult struct {
	CommitsCreated int `json:"commits_created"`
	CommitsSkipped int `json:"commits_skipped"`
}
