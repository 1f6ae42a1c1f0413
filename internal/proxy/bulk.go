package proxy

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/bulk"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type BulkSubmission struct {
	// RequestIDs holds one id per direction that was accepted.
	RequestIDs map[sat.Direction]string
	Outcome
}

type BulkPackages struct {
	Packages []sat.Package
	Outcome
}

// BulkSubmit sends a bulk request. Direction Both is split into two independent
// requests, each with its own session; one of them failing does not fail the other.
func (s *Service) BulkSubmit(ctx context.Context, m credential.Material, service sat.ServiceType, r bulk.Request) (res *BulkSubmission, err error) {
	defer func(start time.Time) { s.observe("bulk_submit", start, err) }(time.Now())

	id, err := s.Identify(m)
	if err != nil {
		return nil, err
	}
	ctx = sat.ContextWithOperation(sat.Context(ctx, id.RFC), "bulk_submit")

	dirs := []sat.Direction{r.Direction}
	if r.UUID == "" {
		dirs = r.Direction.Split()
	}
	requests := make([]bulk.Request, len(dirs))
	var notes []string
	for i, d := range dirs {
		one := r
		one.Direction = d
		normalized, n, err := one.Normalize()
		if err != nil {
			return nil, err
		}
		requests[i] = normalized
		notes = appendMissing(notes, n...)
	}

	var (
		mu       sync.Mutex
		g        errgroup.Group
		outcomes = make([]Outcome, len(requests))
		firstErr error
	)
	res = &BulkSubmission{RequestIDs: map[sat.Direction]string{}}
	for i, req := range requests {
		g.Go(func() error {
			reqID, err := s.submitOne(ctx, id, service, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes[i].Fail("request "+req.Direction.String(), err)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			res.RequestIDs[req.Direction] = reqID
			return nil
		})
	}
	_ = g.Wait()

	if len(res.RequestIDs) == 0 {
		return nil, firstErr
	}
	for _, n := range notes {
		res.Note("%s", n)
	}
	for _, o := range outcomes {
		res.Merge(o)
	}
	return res, nil
}

func (s *Service) submitOne(ctx context.Context, id *credential.Identity, service sat.ServiceType, r bulk.Request) (string, error) {
	bs, err := s.bulk(ctx, id, service)
	if err != nil {
		return "", err
	}
	return bs.Submit(ctx, r)
}

// BulkVerify reports the state of a bulk request.
func (s *Service) BulkVerify(ctx context.Context, m credential.Material, service sat.ServiceType, requestID string) (v *bulk.Verification, err error) {
	defer func(start time.Time) { s.observe("bulk_verify", start, err) }(time.Now())

	id, err := s.Identify(m)
	if err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, sat.FieldError("request_id", "is required")
	}
	ctx = sat.ContextWithOperation(sat.Context(ctx, id.RFC), "bulk_verify")

	bs, err := s.bulk(ctx, id, service)
	if err != nil {
		return nil, err
	}
	return bs.Verify(ctx, requestID)
}

// BulkFetch downloads packages. A package that cannot be fetched is reported and
// the others are still returned.
func (s *Service) BulkFetch(ctx context.Context, m credential.Material, service sat.ServiceType, ids []string) (res *BulkPackages, err error) {
	defer func(start time.Time) { s.observe("bulk_fetch", start, err) }(time.Now())

	id, err := s.Identify(m)
	if err != nil {
		return nil, err
	}
	ids = appendMissing(nil, ids...)
	if len(ids) == 0 {
		return nil, sat.FieldError("package_ids", "at least one package id is required")
	}
	ctx = sat.ContextWithOperation(sat.Context(ctx, id.RFC), "bulk_fetch")

	bs, err := s.bulk(ctx, id, service)
	if err != nil {
		return nil, err
	}
	got, err := bs.Fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	res = &BulkPackages{Packages: got.Packages}
	for _, f := range got.Failures {
		res.Fail("package "+f.ID, f.Err)
	}
	s.metrics.AddItems("package", len(got.Packages), len(got.Failures))

	sat.Logger(ctx, logger).WithFields(logrus.Fields{
		"packages": len(got.Packages),
		"failures": len(got.Failures),
	}).Info("bulk fetch finished")
	return res, nil
}

// appendMissing appends the non empty values of add not already in dst.
func appendMissing(dst []string, add ...string) []string {
	for _, a := range add {
		if a == "" {
			continue
		}
		if !slices.Contains(dst, a) {
			dst = append(dst, a)
		}
	}
	return dst
}
