package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/alapierre/go-cfdi-proxy/sat/portal"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxResults is the largest number of documents one scraping download serves.
const MaxResults = 500

type QueryResult struct {
	Documents []*sat.DocumentMetadata
	Outcome
}

type DownloadRequest struct {
	Query sat.QuerySpec
	Kinds []sat.ResourceKind
	// MaxResults truncates the documents found; 0 means MaxResults.
	MaxResults int
}

type DownloadByIDsRequest struct {
	IDs       []string
	Direction sat.Direction
	Kinds     []sat.ResourceKind
}

type DownloadResult struct {
	Files []sat.ResourceFile
	Outcome
}

// Query searches the portal over a period.
func (s *Service) Query(ctx context.Context, m credential.Material, q sat.QuerySpec) (res *QueryResult, err error) {
	defer func(start time.Time) { s.observe("query", start, err) }(time.Now())

	id, err := s.Identify(m)
	if err != nil {
		return nil, err
	}
	if err := checkPeriod(q); err != nil {
		return nil, err
	}
	ctx = sat.ContextWithOperation(sat.Context(ctx, id.RFC), "query")

	res = &QueryResult{}
	err = s.withPortal(ctx, id, sat.KindQueryFailed, func(ctx context.Context, ps PortalSession) error {
		found, err := ps.QueryByDateRange(ctx, q)
		if err != nil {
			return sat.Reclassify(err, sat.KindQueryFailed, "portal search failed")
		}
		res.Documents = found.Documents
		res.searchFailures(found)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sat.Logger(ctx, logger).WithField("count", len(res.Documents)).Info("query finished")
	return res, nil
}

// Download searches the portal over a period and fetches every requested kind of
// the documents found.
func (s *Service) Download(ctx context.Context, m credential.Material, r DownloadRequest) (res *DownloadResult, err error) {
	defer func(start time.Time) { s.observe("download", start, err) }(time.Now())

	id, err := s.Identify(m)
	if err != nil {
		return nil, err
	}
	if err := checkPeriod(r.Query); err != nil {
		return nil, err
	}
	limit, err := checkDownload(r.Kinds, r.MaxResults)
	if err != nil {
		return nil, err
	}
	ctx = sat.ContextWithOperation(sat.Context(ctx, id.RFC), "download")
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	res = &DownloadResult{}
	err = s.withPortal(ctx, id, sat.KindDownloadFailed, func(ctx context.Context, ps PortalSession) error {
		found, err := ps.QueryByDateRange(ctx, r.Query)
		if err != nil {
			return sat.Reclassify(err, sat.KindQueryFailed, "portal search failed")
		}
		res.searchFailures(found)

		docs := found.Documents
		if len(docs) > limit {
			res.Note("%d documents found, only the first %d were downloaded", len(docs), limit)
			docs = docs[:limit]
		}
		return s.download(ctx, ps, docs, r.Kinds, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DownloadByIDs looks every UUID up and fetches the requested kinds of those found.
func (s *Service) DownloadByIDs(ctx context.Context, m credential.Material, r DownloadByIDsRequest) (res *DownloadResult, err error) {
	defer func(start time.Time) { s.observe("download_by_uuid", start, err) }(time.Now())

	id, err := s.Identify(m)
	if err != nil {
		return nil, err
	}
	ids, err := normalizeIDs(r.IDs)
	if err != nil {
		return nil, err
	}
	if r.Direction != sat.Issued && r.Direction != sat.Received {
		return nil, sat.FieldError("download_type", "must be emitidos or recibidos")
	}
	if _, err := checkDownload(r.Kinds, 0); err != nil {
		return nil, err
	}
	ctx = sat.ContextWithOperation(sat.Context(ctx, id.RFC), "download_by_uuid")
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	res = &DownloadResult{}
	err = s.withPortal(ctx, id, sat.KindDownloadFailed, func(ctx context.Context, ps PortalSession) error {
		found, err := ps.QueryByIDs(ctx, ids, r.Direction)
		if err != nil {
			return sat.Reclassify(err, sat.KindQueryFailed, "portal search failed")
		}
		res.searchFailures(found)
		for _, missing := range found.Missing {
			res.Note("document %s was not found", missing)
		}

		// the portal may answer a UUID search with more than the requested document
		var docs []*sat.DocumentMetadata
		requested := map[string]bool{}
		for _, id := range ids {
			requested[id] = true
		}
		for _, d := range found.Documents {
			if requested[strings.ToUpper(d.UUID)] {
				docs = append(docs, d)
			}
		}
		return s.download(ctx, ps, docs, r.Kinds, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) download(ctx context.Context, ps PortalSession, docs []*sat.DocumentMetadata, kinds []sat.ResourceKind, res *DownloadResult) error {
	log := sat.Logger(ctx, logger)
	if len(docs) == 0 {
		res.Note("no documents found")
		return nil
	}

	got, err := ps.Download(ctx, docs, kinds, s.concurrency)
	if err != nil {
		return sat.Reclassify(err, sat.KindDownloadFailed, "download failed")
	}
	res.Files = got.Files
	for _, f := range got.Failures {
		res.Fail(fmt.Sprintf("%s of %s", f.Kind, f.UUID), f.Err)
	}

	ok, failed := map[sat.ResourceKind]int{}, map[sat.ResourceKind]int{}
	for _, f := range got.Files {
		ok[f.Kind]++
	}
	for _, f := range got.Failures {
		failed[f.Kind]++
	}
	for _, k := range kinds {
		s.metrics.AddItems(k.String(), ok[k], failed[k])
	}

	log.WithFields(logrus.Fields{
		"documents": len(docs),
		"files":     len(got.Files),
		"failures":  len(got.Failures),
	}).Info("download finished")
	return nil
}

func (o *Outcome) searchFailures(r *portal.QueryResult) {
	for _, f := range r.Failures {
		o.Fail("search "+f.Scope, sat.Reclassify(f.Err, sat.KindQueryFailed, "portal search failed"))
	}
}

func checkPeriod(q sat.QuerySpec) error {
	fields := map[string][]string{}
	if q.Since.IsZero() {
		fields["start_date"] = []string{"is required"}
	}
	if q.Until.IsZero() {
		fields["end_date"] = []string{"is required"}
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && sat.EndOfDay(q.Until).Before(q.Since) {
		fields["end_date"] = []string{"must not be before start_date"}
	}
	switch q.Direction {
	case sat.Issued, sat.Received, sat.Both:
	default:
		fields["download_type"] = []string{"must be emitidos, recibidos or ambos"}
	}
	if len(fields) > 0 {
		return sat.NewValidationError(fields)
	}
	return nil
}

func checkDownload(kinds []sat.ResourceKind, maxResults int) (int, error) {
	fields := map[string][]string{}
	if len(kinds) == 0 {
		fields["resource_types"] = []string{"at least one resource type is required"}
	}
	if maxResults < 0 || maxResults > MaxResults {
		fields["max_results"] = []string{fmt.Sprintf("must be between 1 and %d", MaxResults)}
	}
	if len(fields) > 0 {
		return 0, sat.NewValidationError(fields)
	}
	if maxResults == 0 {
		maxResults = MaxResults
	}
	return maxResults, nil
}

// normalizeIDs validates and upper cases UUIDs, dropping duplicates.
func normalizeIDs(raw []string) ([]string, error) {
	var (
		ids  []string
		bad  []string
		seen = map[string]bool{}
	)
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		u, err := uuid.Parse(r)
		if err != nil {
			bad = append(bad, r)
			continue
		}
		v := strings.ToUpper(u.String())
		if !seen[v] {
			seen[v] = true
			ids = append(ids, v)
		}
	}
	if len(bad) > 0 {
		return nil, sat.FieldError("uuids", "invalid UUID: "+strings.Join(bad, ", "))
	}
	if len(ids) == 0 {
		return nil, sat.FieldError("uuids", "at least one UUID is required")
	}
	return ids, nil
}
