package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alapierre/go-cfdi-proxy/internal/metrics"
	"github.com/alapierre/go-cfdi-proxy/internal/proxy"
	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/pkgreader"
	"github.com/alapierre/go-cfdi-proxy/sat/seal"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

type ProcessorConfig struct {
	PollInterval time.Duration
	PollMaxAge   time.Duration
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	proxy    *proxy.Service
	store    Store
	objects  ObjectStore
	sealer   *seal.Sealer
	enqueuer Enqueuer
	cfg      ProcessorConfig
}

func NewProcessor(svc *proxy.Service, store Store, objects ObjectStore, sealer *seal.Sealer, enqueuer Enqueuer, cfg ProcessorConfig) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Minute
	}
	if cfg.PollMaxAge <= 0 {
		cfg.PollMaxAge = 72 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Processor{proxy: svc, store: store, objects: objects, sealer: sealer, enqueuer: enqueuer, cfg: cfg}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDownload, p.handleDownload)
	mux.HandleFunc(TypeBulkPoll, p.handleBulkPoll)
	return mux
}

func decode(task *asynq.Task) (payload, error) {
	var pl payload
	if err := json.Unmarshal(task.Payload(), &pl); err != nil {
		return pl, fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	return pl, nil
}

// fail records err on the job. Only the caller safe message is stored.
func (p *Processor) fail(ctx context.Context, taskType string, pl payload, res Result, err error) error {
	msg := sat.AsError(err).Message
	logger.WithFields(logrus.Fields{"job_id": pl.JobID, "type": taskType}).WithError(err).Warn("job failed")
	if ferr := p.store.Finish(ctx, pl.JobID, StatusFailed, res, msg); ferr != nil {
		logger.WithField("job_id", pl.JobID).WithError(ferr).Error("job state could not be saved")
	}
	p.cfg.Metrics.JobFinished(taskType, string(StatusFailed))
	return fmt.Errorf("job %s: %s: %w", pl.JobID, msg, asynq.SkipRetry)
}

func (p *Processor) complete(ctx context.Context, taskType string, pl payload, res Result) error {
	if err := p.store.Finish(ctx, pl.JobID, StatusCompleted, res, ""); err != nil {
		return fmt.Errorf("save job %s: %w", pl.JobID, err)
	}
	p.cfg.Metrics.JobFinished(taskType, string(StatusCompleted))
	logger.WithFields(logrus.Fields{"job_id": pl.JobID, "files": res.Files, "failures": res.Failures}).Info("job completed")
	return nil
}

func (p *Processor) handleDownload(ctx context.Context, task *asynq.Task) error {
	pl, err := decode(task)
	if err != nil {
		return err
	}
	if pl.Download == nil {
		return p.fail(ctx, TypeDownload, pl, Result{}, sat.NewError(sat.KindInternal, "download job without parameters"))
	}
	if err := p.store.MarkRunning(ctx, pl.JobID); err != nil {
		return err
	}
	m, err := openCredential(p.sealer, pl)
	if err != nil {
		return p.fail(ctx, TypeDownload, pl, Result{}, sat.WrapError(err, sat.KindInternal, "job credential could not be opened"))
	}

	spec := pl.Download
	var got *proxy.DownloadResult
	if len(spec.UUIDs) > 0 {
		got, err = p.proxy.DownloadByIDs(ctx, m, proxy.DownloadByIDsRequest{
			IDs:       spec.UUIDs,
			Direction: spec.Direction,
			Kinds:     spec.Kinds,
		})
	} else {
		got, err = p.proxy.Download(ctx, m, proxy.DownloadRequest{
			Query:      sat.QuerySpec{Since: spec.Since, Until: spec.Until, Direction: spec.Direction, Status: spec.Status},
			Kinds:      spec.Kinds,
			MaxResults: spec.MaxResults,
		})
	}
	if err != nil {
		return p.fail(ctx, TypeDownload, pl, Result{}, err)
	}

	res := Result{Failures: len(got.Failures), Messages: got.Messages}
	for _, f := range got.Files {
		key := FileKey(pl.JobID, f)
		if err := p.objects.Put(ctx, key, f.Content, f.Kind.ContentType()); err != nil {
			logger.WithField("job_id", pl.JobID).WithError(err).Warn("file could not be stored")
			res.Failures++
			res.note("%s of %s could not be stored", f.Kind, f.UUID)
			continue
		}
		res.Files++
		res.Objects = append(res.Objects, key)
	}
	return p.complete(ctx, TypeDownload, pl, res)
}

func (p *Processor) handleBulkPoll(ctx context.Context, task *asynq.Task) error {
	pl, err := decode(task)
	if err != nil {
		return err
	}
	spec := pl.BulkPoll
	if spec == nil {
		return p.fail(ctx, TypeBulkPoll, pl, Result{}, sat.NewError(sat.KindInternal, "bulk poll job without parameters"))
	}
	if err := p.store.MarkRunning(ctx, pl.JobID); err != nil {
		return err
	}
	log := logger.WithFields(logrus.Fields{"job_id": pl.JobID, "request_id": spec.RequestID})

	m, err := openCredential(p.sealer, pl)
	if err != nil {
		return p.fail(ctx, TypeBulkPoll, pl, Result{}, sat.WrapError(err, sat.KindInternal, "job credential could not be opened"))
	}
	v, err := p.proxy.BulkVerify(ctx, m, spec.Service, spec.RequestID)
	if err != nil {
		return p.fail(ctx, TypeBulkPoll, pl, Result{}, err)
	}

	switch {
	case !v.Status.Terminal():
		age := p.cfg.Clock.Since(pl.SubmittedAt)
		if age+p.cfg.PollInterval > p.cfg.PollMaxAge {
			return p.fail(ctx, TypeBulkPoll, pl, Result{}, sat.Errorf(sat.KindVerificationFailed,
				"bulk request still %s after %s", v.Status, p.cfg.PollMaxAge))
		}
		if err := enqueue(ctx, p.enqueuer, TypeBulkPoll, pl, asynq.ProcessIn(p.cfg.PollInterval)); err != nil {
			return p.fail(ctx, TypeBulkPoll, pl, Result{}, sat.WrapError(err, sat.KindInternal, "next poll could not be scheduled"))
		}
		log.WithField("status", v.Status).Debug("bulk request not ready, poll scheduled")
		return nil
	case v.Status == sat.BulkFinished && len(v.PackageIDs) == 0:
		res := Result{}
		res.note("bulk request finished without packages")
		return p.complete(ctx, TypeBulkPoll, pl, res)
	case !v.Ready():
		return p.fail(ctx, TypeBulkPoll, pl, Result{}, sat.NewRemoteError(sat.KindVerificationFailed,
			v.StatusCode, fmt.Sprintf("bulk request %s: %s", v.Status, v.Message)))
	}

	if m, err = openCredential(p.sealer, pl); err != nil {
		return p.fail(ctx, TypeBulkPoll, pl, Result{}, sat.WrapError(err, sat.KindInternal, "job credential could not be opened"))
	}
	got, err := p.proxy.BulkFetch(ctx, m, spec.Service, v.PackageIDs)
	if err != nil {
		return p.fail(ctx, TypeBulkPoll, pl, Result{}, err)
	}

	res := Result{Failures: len(got.Failures), Messages: got.Messages}
	for _, pkg := range got.Packages {
		key := PackageKey(pl.JobID, pkg.ID)
		if err := p.objects.Put(ctx, key, pkg.Content, "application/zip"); err != nil {
			log.WithError(err).Warn("package could not be stored")
			res.Failures++
			res.note("package %s could not be stored", pkg.ID)
			continue
		}
		res.Objects = append(res.Objects, key)
		p.extract(ctx, pl.JobID, pkg, &res)
	}
	return p.complete(ctx, TypeBulkPoll, pl, res)
}

// extract stores every CFDI of a package next to it. Metadata packages are counted.
func (p *Processor) extract(ctx context.Context, jobID string, pkg sat.Package, res *Result) {
	r, err := pkgreader.Open(pkg.Content)
	if err != nil {
		res.note("package %s is not a valid archive", pkg.ID)
		return
	}
	files, err := r.CFDIs()
	if err != nil {
		res.note("package %s could not be read", pkg.ID)
		return
	}
	if len(files) == 0 {
		rows, err := r.Metadata()
		if err == nil {
			res.note("package %s holds %d metadata rows", pkg.ID, len(rows))
		}
		return
	}
	for _, f := range files {
		key := FileKey(jobID, f)
		if err := p.objects.Put(ctx, key, f.Content, f.Kind.ContentType()); err != nil {
			res.Failures++
			res.note("%s of package %s could not be stored", f.UUID, pkg.ID)
			continue
		}
		res.Files++
		res.Objects = append(res.Objects, key)
	}
}
