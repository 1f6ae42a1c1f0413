package portal

import (
	"bytes"
	"context"
	"sync"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/transport"
	"github.com/go-faster/errors"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of resources fetched at the same time.
const DefaultConcurrency = 10

var errNotAvailable = errors.New("resource not available for this document")

// DownloadResult holds the fetched files and the items that could not be fetched.
type DownloadResult struct {
	Files    []sat.ResourceFile
	Failures []ItemFailure
}

// ItemFailure is a resource that could not be fetched. It does not fail the download.
type ItemFailure struct {
	UUID string
	Kind sat.ResourceKind
	Err  error
}

func (f ItemFailure) Error() string {
	return f.Kind.String() + " of " + f.UUID + ": " + f.Err.Error()
}

// Download fetches every kind of every document, at most concurrency at a time.
// A failed item is logged and recorded, siblings keep going.
func (s *Session) Download(ctx context.Context, docs []*sat.DocumentMetadata, kinds []sat.ResourceKind, concurrency int) (*DownloadResult, error) {
	alive, err := s.Alive(ctx)
	if err != nil {
		return nil, sat.Reclassify(err, sat.KindDownloadFailed, "portal session could not be checked")
	}
	if !alive {
		return nil, sat.WrapError(sat.ErrSessionExpired, sat.KindDownloadFailed, "portal session expired, authenticate again")
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var (
		mu  sync.Mutex
		res = &DownloadResult{}
		log = sat.Logger(ctx, logger)
	)
	for _, kind := range kinds {
		var g errgroup.Group
		g.SetLimit(concurrency)
		for _, doc := range docs {
			g.Go(func() error {
				content, err := s.fetch(ctx, doc, kind)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					log.WithFields(logrus.Fields{"uuid": doc.UUID, "kind": kind}).WithError(err).Warn("resource download failed")
					res.Failures = append(res.Failures, ItemFailure{
						UUID: doc.UUID,
						Kind: kind,
						Err:  sat.WrapError(err, sat.KindPerItemFetchFailed, "resource download failed"),
					})
					return nil
				}
				res.Files = append(res.Files, sat.ResourceFile{UUID: doc.UUID, Kind: kind, Content: content, Metadata: doc})
				return nil
			})
		}
		_ = g.Wait()
	}

	log.WithFields(logrus.Fields{"files": len(res.Files), "failures": len(res.Failures)}).Info("download finished")
	return res, nil
}

func (s *Session) fetch(ctx context.Context, doc *sat.DocumentMetadata, kind sat.ResourceKind) ([]byte, error) {
	path, ok := doc.ResourceURL(kind)
	if !ok {
		return nil, errNotAvailable
	}
	u, err := s.endpoints.PortalURL(path)
	if err != nil {
		return nil, err
	}
	resp, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}
	body := resp.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, sat.ErrEmptyResponse
	}
	if kind == sat.XML && looksLikeHTML(body) {
		// the portal answers an expired session with its login page
		return nil, sat.ErrSessionExpired
	}
	return body, nil
}

func (s *Session) get(ctx context.Context, u string) (*resty.Response, error) {
	resp, err := transport.Request(ctx, s.client).Get(u)
	transport.TraceInfo(u, resp, err)
	if err := transport.CheckError(resp, err); err != nil {
		return nil, err
	}
	return s.follow(ctx, resp)
}

func looksLikeHTML(b []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(b))
	if len(head) > 64 {
		head = head[:64]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}
