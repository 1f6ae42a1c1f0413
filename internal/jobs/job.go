// Package jobs is the queued deployment mode: a call is accepted, its FIEL is sealed
// into an asynq task and a worker runs the same proxy operations later, keeping the
// results in object storage and the job state in Postgres.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "jobs")

const (
	TypeDownload = "cfdi:download"
	TypeBulkPoll = "cfdi:bulk-poll"
)

var ErrNotFound = errors.New("job not found")

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the persisted state of one queued call.
type Job struct {
	ID        string
	Type      string
	Status    Status
	RFC       string
	RequestID string
	Result
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is what a finished job produced.
type Result struct {
	Files    int
	Failures int
	Objects  []string
	Messages []string
}

func (r *Result) note(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// Store keeps job rows.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status Status, r Result, errMsg string) error
}

// ObjectStore keeps job artifacts.
type ObjectStore interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
}

// FileKey is the object key of a downloaded resource.
func FileKey(jobID string, f sat.ResourceFile) string {
	return fmt.Sprintf("jobs/%s/%s/%s", jobID, f.Kind, f.FileName())
}

// PackageKey is the object key of a bulk package.
func PackageKey(jobID, packageID string) string {
	return fmt.Sprintf("jobs/%s/packages/%s.%s", jobID, packageID, sat.PackageFormat)
}
