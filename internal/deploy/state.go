package deploy

import (
	"github.com/thiago95macedo/webhost/internal/changes"
)

// State is a step of a deploy session. Sessions only move forward:
// Idle, TargetSelected, ChangesDetected, FilesFiltered, AwaitingConfirmation,
// then Transferring or Aborted, then Committed or FailedNoCommit.
type State string

const (
	StateIdle                 State = "idle"
	StateTargetSelected       State = "target_selected"
	StateChangesDetected      State = "changes_detected"
	StateFilesFiltered        State = "files_filtered"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateTransferring         State = "transferring"
	StateAborted              State = "aborted"
	StateCommitted            State = "committed"
	StateFailedNoCommit       State = "failed_no_commit"
)

// OutcomeStatus is the result of one upload
type OutcomeStatus string

const (
	Uploaded OutcomeStatus = "uploaded"
	Failed   OutcomeStatus = "failed"
)

// Outcome records what happened to one eligible file
type Outcome struct {
	Path   string
	Remote string
	Status OutcomeStatus
	Reason string
}

// Result describes a finished session
type Result struct {
	RunID  string
	Target string
	State  State
	// History lists every state the session entered, in order
	History []State

	Mode     changes.Mode
	Revision string

	// Candidates is what the detector reported, Eligible what survived the
	// path filter, Missing the non-excluded candidates absent from disk.
	Candidates []string
	Eligible   []string
	Missing    []string

	Outcomes []Outcome

	// NoChanges is set when there was nothing to upload
	NoChanges bool
	DryRun    bool
}

func (r *Result) enter(s State) {
	r.State = s
	r.History = append(r.History, s)
}

// Uploaded counts successful uploads
func (r *Result) Uploaded() int {
	return r.count(Uploaded)
}

// Failed counts failed uploads
func (r *Result) Failed() int {
	return r.count(Failed)
}

// Committed reports whether the checkpoint was advanced
func (r *Result) Committed() bool {
	return r.State == StateCommitted
}

// Outcome returns the recorded outcome for a repository path
func (r *Result) Outcome(path string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Path == path {
			return o, true
		}
	}
	return Outcome{}, false
}

func (r *Result) count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
