// Package proxy runs the retrieval operations of one inbound call: it validates the
// uploaded FIEL, opens the upstream session the operation needs and collects the
// result together with the partial failures met on the way.
package proxy

import (
	"context"
	"time"

	"github.com/alapierre/go-cfdi-proxy/internal/metrics"
	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/bulk"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/alapierre/go-cfdi-proxy/sat/mutex"
	"github.com/alapierre/go-cfdi-proxy/sat/portal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "proxy")

const (
	DefaultConcurrency = portal.DefaultConcurrency
	DefaultDeadline    = 600 * time.Second
	logoutTimeout      = 10 * time.Second
)

// PortalSession is the scraping surface used by the service.
type PortalSession interface {
	QueryByDateRange(ctx context.Context, q sat.QuerySpec) (*portal.QueryResult, error)
	QueryByIDs(ctx context.Context, ids []string, dir sat.Direction) (*portal.QueryResult, error)
	Download(ctx context.Context, docs []*sat.DocumentMetadata, kinds []sat.ResourceKind, concurrency int) (*portal.DownloadResult, error)
	Logout(ctx context.Context)
}

// BulkSession is the web service surface used by the service.
type BulkSession interface {
	Submit(ctx context.Context, r bulk.Request) (string, error)
	Verify(ctx context.Context, requestID string) (*bulk.Verification, error)
	Fetch(ctx context.Context, ids []string) (*bulk.FetchResult, error)
}

type PortalConnector func(ctx context.Context, id *credential.Identity) (PortalSession, error)

type BulkConnector func(ctx context.Context, id *credential.Identity, service sat.ServiceType) (BulkSession, error)

// PortalFrom adapts a portal connector.
func PortalFrom(c *portal.Connector) PortalConnector {
	return func(ctx context.Context, id *credential.Identity) (PortalSession, error) {
		return c.Establish(ctx, id)
	}
}

// BulkFrom adapts a bulk connector.
func BulkFrom(c *bulk.Connector) BulkConnector {
	return func(ctx context.Context, id *credential.Identity, service sat.ServiceType) (BulkSession, error) {
		return c.Establish(ctx, id, service)
	}
}

type Options struct {
	Concurrency int
	Deadline    time.Duration
	Validator   *credential.Validator
	Metrics     *metrics.Metrics
}

// Service holds configuration and the per RFC locks; every call builds its own sessions.
type Service struct {
	portal      PortalConnector
	bulk        BulkConnector
	validator   *credential.Validator
	metrics     *metrics.Metrics
	concurrency int
	deadline    time.Duration
	// locks is the one exception to calls sharing no state. It serializes portal
	// sessions per RFC and holds no session or credential.
	locks *mutex.KeyedMutex[string]
}

func NewService(p PortalConnector, b BulkConnector, o Options) *Service {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.Validator == nil {
		o.Validator = credential.NewValidator()
	}
	return &Service{
		portal:      p,
		bulk:        b,
		validator:   o.Validator,
		metrics:     o.Metrics,
		concurrency: o.Concurrency,
		deadline:    o.Deadline,
		locks:       &mutex.KeyedMutex[string]{},
	}
}

// Identify validates m and wipes it. It is the first step of every operation.
func (s *Service) Identify(m credential.Material) (*credential.Identity, error) {
	defer m.Wipe()
	return s.validator.Validate(m)
}

func (s *Service) observe(op string, start time.Time, err error) {
	s.metrics.ObserveOperation(op, err, time.Since(start))
}

// withPortal runs fn inside a portal session of id. Calls for the same RFC run one
// at a time because the portal keeps a single session per taxpayer.
func (s *Service) withPortal(ctx context.Context, id *credential.Identity, kind sat.Kind, fn func(ctx context.Context, ps PortalSession) error) error {
	log := sat.Logger(ctx, logger)

	if err := s.locks.Lock(ctx, id.RFC); err != nil {
		return sat.WrapError(err, kind, "another call for this taxpayer did not finish in time")
	}
	defer s.locks.Unlock(id.RFC)

	ps, err := s.portal(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		ps.Logout(lctx)
		log.Debug("portal session closed")
	}()

	return fn(ctx, ps)
}
