package domain

import "time"

// ChangeKind is the kind of change observed on a source file.
type ChangeKind string

const (
	// ChangeAdded indicates a file appeared.
	ChangeAdded ChangeKind = "added"
	// ChangeChanged indicates a file's content changed.
	ChangeChanged ChangeKind = "changed"
	// ChangeRemoved indicates a file disappeared.
	ChangeRemoved ChangeKind = "removed"
)

// FileChange is one debounced change to one file.
type FileChange struct {
	Kind ChangeKind `json:"kind"`
	Path string     `json:"path"`
}

// InvalidationEvent is emitted once per processed batch of file changes.
// Affected holds every module whose cached output was invalidated, including
// the changed files themselves.
type InvalidationEvent struct {
	Changes  []FileChange `json:"changes"`
	Affected []string     `json:"affected"`
	At       time.Time    `json:"at"`
}

// Kind returns the kind of the first change in the batch.
func (e InvalidationEvent) Kind() ChangeKind {
	if len(e.Changes) == 0 {
		return ""
	}
	return e.Changes[0].Kind
}

// Path returns the path of the first change in the batch.
func (e InvalidationEvent) Path() string {
	if len(e.Changes) == 0 {
		return ""
	}
	return e.Changes[0].Path
}
