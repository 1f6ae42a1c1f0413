package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alapierre/go-cfdi-proxy/internal/jobs"
	"github.com/alapierre/go-cfdi-proxy/internal/proxy"
	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/bulk"
	"github.com/alapierre/go-cfdi-proxy/sat/qr"
	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

type periodForm struct {
	StartDate    string `form:"start_date" validate:"required,sat_date"`
	EndDate      string `form:"end_date" validate:"required,sat_date"`
	DownloadType string `form:"download_type" validate:"required,oneof=emitidos recibidos ambos"`
	StateVoucher string `form:"state_voucher" validate:"omitempty,oneof=todos vigentes cancelados"`
}

func (f periodForm) query() sat.QuerySpec {
	since, _ := parseDate(f.StartDate)
	until, _ := parseDate(f.EndDate)
	dir, _ := sat.ParseDirection(f.DownloadType)
	status := sat.StatusAll
	if f.StateVoucher != "" {
		status, _ = sat.ParseStatusFilter(f.StateVoucher)
	}
	return sat.QuerySpec{Since: since, Until: until, Direction: dir, Status: status}
}

type downloadForm struct {
	StartDate     string `form:"start_date" validate:"required,sat_date"`
	EndDate       string `form:"end_date" validate:"required,sat_date"`
	DownloadType  string `form:"download_type" validate:"required,oneof=emitidos recibidos ambos"`
	StateVoucher  string `form:"state_voucher" validate:"omitempty,oneof=todos vigentes cancelados"`
	ResourceTypes string `form:"resource_types" validate:"required"`
	MaxResults    int    `form:"max_results" validate:"omitempty,min=1,max=500"`
}

func (f downloadForm) period() periodForm {
	return periodForm{StartDate: f.StartDate, EndDate: f.EndDate, DownloadType: f.DownloadType, StateVoucher: f.StateVoucher}
}

type downloadByIDsForm struct {
	UUIDs         string `form:"uuids" validate:"required"`
	DownloadType  string `form:"download_type" validate:"required,oneof=emitidos recibidos"`
	ResourceTypes string `form:"resource_types" validate:"required"`
}

type bulkSubmitForm struct {
	StartDate      string `form:"start_date" validate:"omitempty,sat_datetime"`
	EndDate        string `form:"end_date" validate:"omitempty,sat_datetime"`
	DownloadType   string `form:"download_type" validate:"required,oneof=emitidos recibidos ambos"`
	RequestType    string `form:"request_type" validate:"omitempty,oneof=cfdi metadata"`
	ServiceType    string `form:"service_type" validate:"omitempty,oneof=cfdi retenciones"`
	DocumentStatus string `form:"document_status" validate:"omitempty,oneof=todos vigentes cancelados"`
	DocumentType   string `form:"document_type" validate:"omitempty,oneof=I E T N P"`
	Complement     string `form:"complemento" validate:"omitempty,max=64"`
	RFCMatch       string `form:"rfc_match" validate:"omitempty,min=12,max=13"`
	UUID           string `form:"uuid" validate:"omitempty,uuid"`
}

func (f bulkSubmitForm) request() bulk.Request {
	r := bulk.Request{
		DocumentType: f.DocumentType,
		Complement:   f.Complement,
		Counterpart:  f.RFCMatch,
		UUID:         f.UUID,
	}
	r.Start, _ = time.Parse(dateTimeLayout, f.StartDate)
	r.End, _ = time.Parse(dateTimeLayout, f.EndDate)
	r.Direction, _ = sat.ParseDirection(f.DownloadType)
	if f.RequestType != "" {
		r.Content, _ = sat.ParseContentKind(f.RequestType)
	}
	if f.DocumentStatus != "" {
		st, _ := sat.ParseStatusFilter(f.DocumentStatus)
		r.Status = &st
	}
	return r
}

type bulkVerifyForm struct {
	RequestID   string `form:"request_id" validate:"required"`
	ServiceType string `form:"service_type" validate:"omitempty,oneof=cfdi retenciones"`
}

type bulkPackagesForm struct {
	PackageIDs  string `form:"package_ids" validate:"required"`
	ServiceType string `form:"service_type" validate:"omitempty,oneof=cfdi retenciones"`
}

type qrForm struct {
	UUID     string `form:"uuid" validate:"required,uuid"`
	Issuer   string `form:"issuer" validate:"required"`
	Receiver string `form:"receiver" validate:"required"`
	Total    string `form:"total" validate:"required,number"`
	Seal     string `form:"seal" validate:"required"`
	Size     int    `form:"size" validate:"omitempty,min=64,max=2048"`
}

type jobDownloadForm struct {
	StartDate     string `form:"start_date" validate:"omitempty,sat_date"`
	EndDate       string `form:"end_date" validate:"omitempty,sat_date"`
	DownloadType  string `form:"download_type" validate:"required,oneof=emitidos recibidos ambos"`
	StateVoucher  string `form:"state_voucher" validate:"omitempty,oneof=todos vigentes cancelados"`
	ResourceTypes string `form:"resource_types" validate:"required"`
	MaxResults    int    `form:"max_results" validate:"omitempty,min=1,max=500"`
	UUIDs         string `form:"uuids"`
}

// serviceType maps an already validated service_type field.
func serviceType(s string) sat.ServiceType {
	t, err := sat.ParseServiceType(s)
	if err != nil {
		return sat.ServiceCFDI
	}
	return t
}

func resourceKinds(csv string) ([]sat.ResourceKind, error) {
	kinds, err := sat.ParseResourceKinds(csv)
	if err != nil {
		return nil, sat.FieldError("resource_types", "must be a comma separated list of xml, pdf, cancel_request, cancel_voucher")
	}
	return kinds, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			e.Field("service", func(e *jx.Encoder) { e.Str(ServiceName) })
			e.Field("methods", func(e *jx.Encoder) { writeStrings(e, []string{"scraping", "webservice"}) })
			e.Field("jobs", func(e *jx.Encoder) { e.Bool(s.jobs != nil) })
			e.Field("timestamp", func(e *jx.Encoder) { e.Str(s.now().Format(time.RFC3339)) })
		})
	}, nil, nil)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var form periodForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	res, err := s.proxy.Query(r.Context(), m, form.query())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("count", func(e *jx.Encoder) { e.Int(len(res.Documents)) })
			e.Field("cfdis", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, d := range res.Documents {
						writeMetadata(e, d)
					}
				})
			})
		})
	}, res.Messages, res.Failures)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var form downloadForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	kinds, err := resourceKinds(form.ResourceTypes)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.proxy.Download(r.Context(), m, proxy.DownloadRequest{
		Query:      form.period().query(),
		Kinds:      kinds,
		MaxResults: form.MaxResults,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondFiles(w, res.Files, res.Messages, res.Failures)
}

func (s *Server) handleDownloadByUUID(w http.ResponseWriter, r *http.Request) {
	var form downloadByIDsForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	kinds, err := resourceKinds(form.ResourceTypes)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	dir, _ := sat.ParseDirection(form.DownloadType)
	res, err := s.proxy.DownloadByIDs(r.Context(), m, proxy.DownloadByIDsRequest{
		IDs:       splitCSV(form.UUIDs),
		Direction: dir,
		Kinds:     kinds,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondFiles(w, res.Files, res.Messages, res.Failures)
}

func (s *Server) handleVerificationQR(w http.ResponseWriter, r *http.Request) {
	var form qrForm
	if err := s.bindQuery(r, &form); err != nil {
		s.respondError(w, r, err)
		return
	}
	total, err := decimal.NewFromString(form.Total)
	if err != nil {
		s.respondError(w, r, sat.FieldError("total", "must be a decimal number"))
		return
	}
	link, err := qr.VerificationLink(qr.Document{
		UUID:        form.UUID,
		IssuerRFC:   form.Issuer,
		ReceiverRFC: form.Receiver,
		Total:       total,
		Seal:        form.Seal,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	png, err := qr.PNG(link, form.Size)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("X-Verification-Link", link)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		logger.WithError(err).Debug("response write failed")
	}
}

func (s *Server) handleBulkSubmit(w http.ResponseWriter, r *http.Request) {
	var form bulkSubmitForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	req := form.request()
	res, err := s.proxy.BulkSubmit(r.Context(), m, serviceType(form.ServiceType), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			if req.Direction == sat.Both && req.UUID == "" {
				e.Field("request_ids", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						for _, d := range sat.Both.Split() {
							e.Field(d.String(), func(e *jx.Encoder) {
								if id, ok := res.RequestIDs[d]; ok {
									e.Str(id)
								} else {
									e.Null()
								}
							})
						}
					})
				})
				return
			}
			e.Field("request_id", func(e *jx.Encoder) { e.Str(res.RequestIDs[req.Direction]) })
		})
	}, res.Messages, res.Failures)
}

func (s *Server) handleBulkVerify(w http.ResponseWriter, r *http.Request) {
	var form bulkVerifyForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	v, err := s.proxy.BulkVerify(r.Context(), m, serviceType(form.ServiceType), form.RequestID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var ids []string
	if v.Status == sat.BulkFinished {
		ids = v.PackageIDs
	}
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("status", func(e *jx.Encoder) { e.Str(v.Status.String()) })
			e.Field("status_code", func(e *jx.Encoder) { e.Str(v.StatusCode) })
			e.Field("message", func(e *jx.Encoder) { e.Str(v.Message) })
			e.Field("package_ids", func(e *jx.Encoder) { writeStrings(e, ids) })
			e.Field("count", func(e *jx.Encoder) { e.Int(len(ids)) })
			e.Field("cfdi_count", func(e *jx.Encoder) { e.Int(v.CFDICount) })
		})
	}, nil, nil)
}

func (s *Server) handleBulkPackages(w http.ResponseWriter, r *http.Request) {
	var form bulkPackagesForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	res, err := s.proxy.BulkFetch(r.Context(), m, serviceType(form.ServiceType), splitCSV(form.PackageIDs))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("count", func(e *jx.Encoder) { e.Int(len(res.Packages)) })
			e.Field("packages", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, p := range res.Packages {
						e.Obj(func(e *jx.Encoder) {
							e.Field("package_id", func(e *jx.Encoder) { e.Str(p.ID) })
							e.Field("content_base64", func(e *jx.Encoder) { e.Base64(p.Content) })
							e.Field("size", func(e *jx.Encoder) { e.Int(p.Size()) })
							e.Field("format", func(e *jx.Encoder) { e.Str(sat.PackageFormat) })
						})
					}
				})
			})
		})
	}, res.Messages, res.Failures)
}

func (s *Server) handleJobDownload(w http.ResponseWriter, r *http.Request) {
	var form jobDownloadForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	spec, err := form.spec()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.jobs.SubmitDownload(r.Context(), m, spec)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondAccepted(w, job)
}

func (f jobDownloadForm) spec() (jobs.DownloadSpec, error) {
	kinds, err := resourceKinds(f.ResourceTypes)
	if err != nil {
		return jobs.DownloadSpec{}, err
	}
	p := periodForm{StartDate: f.StartDate, EndDate: f.EndDate, DownloadType: f.DownloadType, StateVoucher: f.StateVoucher}.query()
	spec := jobs.DownloadSpec{
		Since:      p.Since,
		Until:      p.Until,
		Direction:  p.Direction,
		Status:     p.Status,
		Kinds:      kinds,
		MaxResults: f.MaxResults,
		UUIDs:      splitCSV(f.UUIDs),
	}
	if len(spec.UUIDs) > 0 {
		return spec, nil
	}
	fields := map[string][]string{}
	if f.StartDate == "" {
		fields["start_date"] = []string{"is required when uuids is empty"}
	}
	if f.EndDate == "" {
		fields["end_date"] = []string{"is required when uuids is empty"}
	}
	if len(fields) > 0 {
		return jobs.DownloadSpec{}, sat.NewValidationError(fields)
	}
	return spec, nil
}

func (s *Server) handleJobBulkPoll(w http.ResponseWriter, r *http.Request) {
	var form bulkVerifyForm
	m, err := s.readForm(r, &form)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer m.Wipe()

	job, err := s.jobs.SubmitBulkPoll(r.Context(), m, jobs.BulkPollSpec{
		RequestID: form.RequestID,
		Service:   serviceType(form.ServiceType),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondAccepted(w, job)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		s.respondMessage(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("job_id", func(e *jx.Encoder) { e.Str(job.ID) })
			e.Field("type", func(e *jx.Encoder) { e.Str(job.Type) })
			e.Field("status", func(e *jx.Encoder) { e.Str(string(job.Status)) })
			e.Field("rfc", func(e *jx.Encoder) { e.Str(job.RFC) })
			if job.RequestID != "" {
				e.Field("request_id", func(e *jx.Encoder) { e.Str(job.RequestID) })
			}
			e.Field("files", func(e *jx.Encoder) { e.Int(job.Files) })
			e.Field("failures", func(e *jx.Encoder) { e.Int(job.Failures) })
			e.Field("objects", func(e *jx.Encoder) { writeStrings(e, job.Objects) })
			if job.Error != "" {
				e.Field("error", func(e *jx.Encoder) { e.Str(job.Error) })
			}
			writeTime(e, "created_at", job.CreatedAt)
			writeTime(e, "updated_at", job.UpdatedAt)
		})
	}, job.Messages, nil)
}

func respondAccepted(w http.ResponseWriter, job *jobs.Job) {
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	respond(w, http.StatusAccepted, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("job_id", func(e *jx.Encoder) { e.Str(job.ID) })
			e.Field("status", func(e *jx.Encoder) { e.Str(string(job.Status)) })
		})
	}, nil, nil)
}
