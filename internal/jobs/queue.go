package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/alapierre/go-cfdi-proxy/sat/seal"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// DownloadSpec is a queued scraping download. UUIDs selects a download by id,
// otherwise the period is searched.
type DownloadSpec struct {
	Since      time.Time          `json:"since"`
	Until      time.Time          `json:"until"`
	Direction  sat.Direction      `json:"direction"`
	Status     sat.StatusFilter   `json:"status"`
	Kinds      []sat.ResourceKind `json:"kinds"`
	MaxResults int                `json:"max_results,omitempty"`
	UUIDs      []string           `json:"uuids,omitempty"`
}

// BulkPollSpec is a queued wait for a bulk request followed by its package download.
type BulkPollSpec struct {
	RequestID string          `json:"request_id"`
	Service   sat.ServiceType `json:"service"`
}

type payload struct {
	JobID string `json:"job_id"`
	// Credential is the sealed FIEL, bound to JobID.
	Credential  []byte        `json:"credential"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Download    *DownloadSpec `json:"download,omitempty"`
	BulkPoll    *BulkPollSpec `json:"bulk_poll,omitempty"`
}

type sealedMaterial struct {
	Certificate []byte `json:"certificate"`
	PrivateKey  []byte `json:"private_key"`
	Passphrase  []byte `json:"passphrase"`
}

// Enqueuer is the part of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue accepts jobs.
type Queue struct {
	client    Enqueuer
	store     Store
	sealer    *seal.Sealer
	validator *credential.Validator
	clock     clockwork.Clock
	timeout   time.Duration
}

type QueueOption func(*Queue)

func WithQueueClock(c clockwork.Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

func WithValidator(v *credential.Validator) QueueOption {
	return func(q *Queue) { q.validator = v }
}

// WithTaskTimeout bounds one task run.
func WithTaskTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

func NewQueue(client Enqueuer, store Store, sealer *seal.Sealer, opts ...QueueOption) *Queue {
	q := &Queue{
		client:    client,
		store:     store,
		sealer:    sealer,
		validator: credential.NewValidator(),
		clock:     clockwork.NewRealClock(),
		timeout:   15 * time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SubmitDownload validates m and queues a download. m is wiped before returning.
func (q *Queue) SubmitDownload(ctx context.Context, m credential.Material, spec DownloadSpec) (*Job, error) {
	defer m.Wipe()
	if len(spec.Kinds) == 0 {
		return nil, sat.FieldError("resource_types", "at least one resource type is required")
	}
	return q.submit(ctx, m, TypeDownload, "", func(p *payload) { p.Download = &spec })
}

// SubmitBulkPoll validates m and queues a wait for requestID. m is wiped before returning.
func (q *Queue) SubmitBulkPoll(ctx context.Context, m credential.Material, spec BulkPollSpec) (*Job, error) {
	defer m.Wipe()
	if spec.RequestID == "" {
		return nil, sat.FieldError("request_id", "is required")
	}
	return q.submit(ctx, m, TypeBulkPoll, spec.RequestID, func(p *payload) { p.BulkPoll = &spec })
}

// Job returns the current state of a job.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return q.store.Get(ctx, id)
}

func (q *Queue) submit(ctx context.Context, m credential.Material, taskType, requestID string, fill func(*payload)) (*Job, error) {
	id, err := q.validator.Validate(m)
	if err != nil {
		return nil, err
	}

	job := &Job{ID: uuid.NewString(), Type: taskType, RFC: id.RFC, RequestID: requestID}
	sealed, err := q.seal(job.ID, m)
	if err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "job could not be queued")
	}
	p := payload{JobID: job.ID, Credential: sealed, SubmittedAt: q.clock.Now().UTC()}
	fill(&p)

	if err := q.store.Create(ctx, job); err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "job could not be queued")
	}
	if err := enqueue(ctx, q.client, taskType, p, asynq.Timeout(q.timeout)); err != nil {
		_ = q.store.Finish(ctx, job.ID, StatusFailed, Result{}, "job could not be queued")
		return nil, sat.WrapError(err, sat.KindInternal, "job could not be queued")
	}

	logger.WithFields(logrus.Fields{"job_id": job.ID, "type": taskType, "rfc": id.RFC}).Info("job queued")
	return job, nil
}

func (q *Queue) seal(jobID string, m credential.Material) ([]byte, error) {
	plain, err := json.Marshal(sealedMaterial{Certificate: m.Certificate, PrivateKey: m.PrivateKey, Passphrase: m.Passphrase})
	if err != nil {
		return nil, fmt.Errorf("marshal credential: %w", err)
	}
	defer clear(plain)
	return q.sealer.Seal(plain, []byte(jobID))
}

// openCredential returns a fresh copy of the sealed material of p.
func openCredential(s *seal.Sealer, p payload) (credential.Material, error) {
	plain, err := s.Open(p.Credential, []byte(p.JobID))
	if err != nil {
		return credential.Material{}, err
	}
	defer clear(plain)
	var sm sealedMaterial
	if err := json.Unmarshal(plain, &sm); err != nil {
		return credential.Material{}, fmt.Errorf("decode credential: %w", err)
	}
	return credential.Material{Certificate: sm.Certificate, PrivateKey: sm.PrivateKey, Passphrase: sm.Passphrase}, nil
}

func enqueue(ctx context.Context, client Enqueuer, taskType string, p payload, opts ...asynq.Option) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	opts = append(opts, asynq.MaxRetry(0))
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s task: %w", taskType, err)
	}
	return nil
}
