package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/credential"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
	// multipartMemory is kept in memory, the rest of an upload spills to disk.
	multipartMemory = 8 << 20
	// maxCredentialFile bounds each uploaded certificate or key.
	maxCredentialFile = 64 << 10
)

var errNoCredential = errors.New("credential missing")

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("form"), ",", 2)[0]
	})
	_ = v.RegisterValidation("sat_date", func(fl validator.FieldLevel) bool {
		_, err := parseDate(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("sat_datetime", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(dateTimeLayout, strings.TrimSpace(fl.Field().String()))
		return err == nil
	})
	return v
}

// parseDate accepts a date or a date with time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, s)
}

var tagMessages = map[string]string{
	"required":     "is required",
	"oneof":        "must be one of: %s",
	"sat_date":     "must be a date (YYYY-MM-DD or YYYY-MM-DD HH:MM:SS)",
	"sat_datetime": "must be a date and time (YYYY-MM-DD HH:MM:SS)",
	"min":          "must be at least %s",
	"max":          "must be at most %s",
	"uuid":         "must be a valid UUID",
}

// bindQuery binds the URL query of r into dst, a pointer to a struct with form tags,
// and validates it.
func (s *Server) bindQuery(r *http.Request, dst any) error {
	fields := map[string][]string{}
	s.bindFields(r, dst, fields)
	if len(fields) > 0 {
		return sat.NewValidationError(fields)
	}
	return nil
}

// readForm parses a multipart body, binds its text fields into dst and extracts the
// uploaded FIEL. Every problem found is reported in one ValidationError. The caller
// owns the returned material and must make sure it gets wiped.
func (s *Server) readForm(r *http.Request, dst any) (credential.Material, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return credential.Material{}, sat.FieldError("body", "request body is too large")
		}
		return credential.Material{}, sat.FieldError("body", "must be multipart/form-data")
	}

	fields := map[string][]string{}
	cert, err := formFile(r.MultipartForm, "certificate")
	if err != nil {
		fields["certificate"] = []string{fileMessage(err)}
	}
	key, err := formFile(r.MultipartForm, "private_key")
	if err != nil {
		fields["private_key"] = []string{fileMessage(err)}
	}
	pass := r.FormValue("passphrase")
	if pass == "" {
		fields["passphrase"] = []string{"is required"}
	}
	m := credential.Material{Certificate: cert, PrivateKey: key, Passphrase: []byte(pass)}

	s.bindFields(r, dst, fields)
	if len(fields) > 0 {
		m.Wipe()
		return credential.Material{}, sat.NewValidationError(fields)
	}
	return m, nil
}

func (s *Server) bindFields(r *http.Request, dst any, fields map[string][]string) {
	rv := reflect.ValueOf(dst).Elem()
	rt := rv.Type()
	for i := range rt.NumField() {
		name := strings.SplitN(rt.Field(i).Tag.Get("form"), ",", 2)[0]
		if name == "" {
			continue
		}
		raw := strings.TrimSpace(r.FormValue(name))
		f := rv.Field(i)
		switch f.Kind() {
		case reflect.String:
			f.SetString(raw)
		case reflect.Int:
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				fields[name] = append(fields[name], "must be an integer")
				continue
			}
			f.SetInt(int64(n))
		}
	}

	err := s.validate.Struct(dst)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields["general"] = append(fields["general"], "request could not be validated")
		return
	}
	for _, fe := range verrs {
		if _, bad := fields[fe.Field()]; bad {
			continue
		}
		fields[fe.Field()] = append(fields[fe.Field()], fieldMessage(fe))
	}
}

func fieldMessage(fe validator.FieldError) string {
	msg, ok := tagMessages[fe.Tag()]
	if !ok {
		return "is invalid"
	}
	if strings.Contains(msg, "%s") {
		return fmt.Sprintf(msg, strings.ReplaceAll(fe.Param(), " ", ", "))
	}
	return msg
}

func formFile(form *multipart.Form, name string) ([]byte, error) {
	if form == nil || len(form.File[name]) == 0 {
		return nil, errNoCredential
	}
	fh := form.File[name][0]
	if fh.Size > maxCredentialFile {
		return nil, errors.Errorf("%s is too large", name)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open upload")
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxCredentialFile+1))
	if err != nil {
		return nil, errors.Wrap(err, "read upload")
	}
	if len(b) == 0 {
		return nil, errNoCredential
	}
	return b, nil
}

func fileMessage(err error) string {
	if errors.Is(err, errNoCredential) {
		return "is required"
	}
	return "could not be read"
}

// splitCSV splits a comma separated field, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
