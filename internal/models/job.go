package models

import (
	"fmt"
	"time"
)

// Job statuses. A refresh job never terminates: it alternates between
// queued and running for as long as the row exists.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
)

// Kind is a category of recurring refresh work.
type Kind string

const (
	KindHistorySync  Kind = "history-sync"
	KindEstimateSync Kind = "estimate-sync"
	KindMetadataSync Kind = "metadata-sync"
)

// Kinds lists every known job kind.
var Kinds = []Kind{KindHistorySync, KindEstimateSync, KindMetadataSync}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Frequent reports whether the kind polls on the short cadence table.
func (k Kind) Frequent() bool {
	return k == KindEstimateSync
}

// JobKey identifies a job row. Subject is empty for kind-wide jobs.
type JobKey struct {
	Kind    Kind   `json:"kind"`
	Subject string `json:"subject"`
	Source  string `json:"source"`
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Source, k.Subject)
}

// Job is one persisted refresh work item.
type Job struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Subject    string     `json:"subject"`
	Source     string     `json:"source"`
	Priority   int        `json:"priority"`
	Status     string     `json:"status"`
	Attempt    int        `json:"attempt"`
	NotBefore  time.Time  `json:"not_before"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	LastOKAt   *time.Time `json:"last_ok_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Key returns the unique identity triple of the job.
func (j Job) Key() JobKey {
	return JobKey{Kind: j.Kind, Subject: j.Subject, Source: j.Source}
}

// JobFilter narrows job listings for operators.
type JobFilter struct {
	Status string
	Kind   Kind
	Source string
	Limit  int
}

// Run statuses for the audit log.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunError   = "error"
)

// Run is one audit entry per execution attempt.
type Run struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	JobID      string     `json:"job_id"`
	Subject    string     `json:"subject"`
	Source     string     `json:"source"`
	Attempt    int        `json:"attempt"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Logs       []RunLog   `json:"logs,omitempty"`
}

// RunLog is a line appended to a run.
type RunLog struct {
	RunID string    `json:"run_id"`
	Line  string    `json:"line"`
	TS    time.Time `json:"ts"`
}

// RunParams opens an audit entry.
type RunParams struct {
	Kind    Kind
	JobID   string
	Subject string
	Source  string
	Attempt int
}
