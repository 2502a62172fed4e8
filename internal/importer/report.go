package importer

import (
	"time"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
)

// Status is the final state of one object in a run.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Lifecycle actions recorded on an Outcome.
const (
	ActionTrashed  = "trashed"
	ActionRestored = "restored"
)

// Outcome is the result of importing a single directory object.
type Outcome struct {
	Object  *directory.Object
	Record  *store.Record
	Created bool
	Events  []EventKind
	Action  string
	Status  Status
	Err     error

	// PostCommitErr is set when the record was saved but a later step,
	// an Imported listener or the lifecycle policy, failed. The object
	// stays committed.
	PostCommitErr error
}

// Failure is a skipped or failed object as listed in a Report.
type Failure struct {
	RDN    string
	GUID   string
	Status Status
	Err    error
}

// Report summarises a run.
type Report struct {
	Committed int
	Skipped   int
	Failed    int
	Created   int
	Updated   int
	Trashed   int
	Restored  int

	// MissingIDs is set by reconciliation.
	MissingIDs []string
	Failures   []Failure
	Outcomes   []Outcome
	Duration   time.Duration

	// PostCommitErrors lists committed objects with a PostCommitErr.
	PostCommitErrors []Failure
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)

	switch o.Status {
	case StatusCommitted:
		r.Committed++
		if o.Created {
			r.Created++
		} else {
			r.Updated++
		}
		switch o.Action {
		case ActionTrashed:
			r.Trashed++
		case ActionRestored:
			r.Restored++
		}
		if o.PostCommitErr != nil {
			r.PostCommitErrors = append(r.PostCommitErrors, Failure{
				RDN:    o.Object.RDN,
				GUID:   o.Object.GUID,
				Status: o.Status,
				Err:    o.PostCommitErr,
			})
		}
		return
	case StatusSkipped:
		r.Skipped++
	default:
		r.Failed++
	}

	r.Failures = append(r.Failures, Failure{
		RDN:    o.Object.RDN,
		GUID:   o.Object.GUID,
		Status: o.Status,
		Err:    o.Err,
	})
}

// Total is the number of objects processed.
func (r *Report) Total() int {
	return r.Committed + r.Skipped + r.Failed
}

// Fields returns the summary as structured log fields.
func (r *Report) Fields() map[string]any {
	return map[string]any{
		"total":       r.Total(),
		"committed":   r.Committed,
		"skipped":     r.Skipped,
		"failed":      r.Failed,
		"created":     r.Created,
		"updated":     r.Updated,
		"trashed":     r.Trashed,
		"restored":    r.Restored,
		"missing":     len(r.MissingIDs),
		"post_commit": len(r.PostCommitErrors),
		"duration_ms": r.Duration.Milliseconds(),
	}
}
