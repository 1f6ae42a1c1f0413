package bulk

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/sirupsen/logrus"
)

// FetchResult holds the downloaded packages and the ids that failed.
type FetchResult struct {
	Packages []sat.Package
	Failures []PackageFailure
}

type PackageFailure struct {
	ID  string
	Err error
}

// Fetch downloads each package in order. A failed package is recorded and the rest
// are still fetched. Once SAT refuses to authenticate, the remaining packages are
// recorded as failed with that error. The call fails only when nothing could be fetched.
func (c *Client) Fetch(ctx context.Context, ids []string) (*FetchResult, error) {
	if len(ids) == 0 {
		return nil, sat.FieldError("package_ids", "at least one package id is required")
	}

	log := sat.Logger(ctx, logger)
	res := &FetchResult{}
	var authErr error
	for _, id := range ids {
		if authErr != nil {
			res.Failures = append(res.Failures, PackageFailure{ID: id, Err: authErr})
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, sat.WrapError(err, sat.KindDownloadFailed, "package download interrupted")
		}
		content, err := c.FetchPackage(ctx, id)
		if err != nil {
			log.WithField("package_id", id).WithError(err).Warn("package download failed")
			res.Failures = append(res.Failures, PackageFailure{ID: id, Err: err})
			if sat.KindOf(err) == sat.KindAuthenticationFailed {
				authErr = err
			}
			continue
		}
		res.Packages = append(res.Packages, sat.Package{ID: id, Content: content})
	}

	if len(res.Packages) == 0 {
		if authErr != nil {
			return nil, authErr
		}
		return nil, sat.WrapError(res.Failures[0].Err, sat.KindDownloadFailed, "no package could be downloaded")
	}
	log.WithFields(logrus.Fields{"packages": len(res.Packages), "failures": len(res.Failures)}).Info("packages downloaded")
	return res, nil
}

// FetchPackage downloads one package and returns the decoded zip bytes.
func (c *Client) FetchPackage(ctx context.Context, id string) ([]byte, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, sat.FieldError("package_ids", "package id must not be empty")
	}

	doc, wrapper := newEnvelope(opDownload)
	req := wrapper.CreateElement("des:peticionDescarga")
	req.CreateAttr("IdPaquete", id)
	req.CreateAttr("RfcSolicitante", c.identity.RFC)
	if err := signEnveloped(c.identity, req); err != nil {
		return nil, sat.WrapError(err, sat.KindInternal, "download request could not be signed")
	}

	answer, err := c.call(ctx, c.endpoints.Download, opDownload, doc, sat.KindDownloadFailed, true)
	if err != nil {
		return nil, err
	}
	if _, err := result(answer, opDownload, sat.KindDownloadFailed); err != nil {
		return nil, err
	}
	el := answer.FindElement("//Paquete")
	if el == nil || strings.TrimSpace(el.Text()) == "" {
		return nil, sat.WrapError(sat.ErrEmptyResponse, sat.KindDownloadFailed, "SAT returned an empty package")
	}
	content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(el.Text()))
	if err != nil {
		return nil, sat.WrapError(err, sat.KindDownloadFailed, "package is not valid base64")
	}
	return content, nil
}
