// Package pkgreader reads the zip packages returned by the bulk download service.
package pkgreader

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "sat.pkgreader")

// MaxEntrySize bounds the uncompressed size of a single entry.
const MaxEntrySize = 256 << 20

const metadataTimeLayout = "2006-01-02 15:04:05"

var ErrEntryTooLarge = errors.New("package entry exceeds the size limit")

// Entry is one file of a package.
type Entry struct {
	Name    string
	Content []byte
}

// UUID returns the document id encoded in the entry name, or "" when the name is not a UUID.
func (e Entry) UUID() string {
	base := strings.TrimSuffix(path.Base(e.Name), path.Ext(e.Name))
	id, err := uuid.Parse(base)
	if err != nil {
		return ""
	}
	return strings.ToUpper(id.String())
}

type Reader struct {
	zr *zip.Reader
}

// Open reads the central directory of a package.
func Open(content []byte) (*Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, errors.Wrap(err, "open package")
	}
	return &Reader{zr: zr}, nil
}

// Entries returns every regular file of the package in archive order.
func (r *Reader) Entries() ([]Entry, error) {
	var out []Entry
	for _, f := range r.zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: f.Name, Content: content})
	}
	return out, nil
}

// CFDIs returns the XML documents of a CFDI package keyed by UUID.
func (r *Reader) CFDIs() ([]sat.ResourceFile, error) {
	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}
	var out []sat.ResourceFile
	for _, e := range entries {
		if !strings.EqualFold(path.Ext(e.Name), ".xml") {
			continue
		}
		id := e.UUID()
		if id == "" {
			logger.WithField("entry", e.Name).Warn("skipping package entry without a UUID name")
			continue
		}
		out = append(out, sat.ResourceFile{
			UUID:     id,
			Kind:     sat.XML,
			Content:  e.Content,
			Metadata: &sat.DocumentMetadata{UUID: id},
		})
	}
	return out, nil
}

// Metadata parses every text entry of a metadata package.
func (r *Reader) Metadata() ([]*sat.DocumentMetadata, error) {
	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}
	var out []*sat.DocumentMetadata
	for _, e := range entries {
		if !strings.EqualFold(path.Ext(e.Name), ".txt") {
			continue
		}
		rows, err := ParseMetadata(bytes.NewReader(e.Content))
		if err != nil {
			return nil, errors.Wrapf(err, "entry %s", e.Name)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ParseMetadata reads the "~" separated listing of a metadata package. Columns are
// located by header name, so extra columns are ignored.
func ParseMetadata(in io.Reader) ([]*sat.DocumentMetadata, error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var (
		cols map[string]int
		out  []*sat.DocumentMetadata
		line int
	)
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, "~")
		if cols == nil {
			cols = header(fields)
			if _, ok := cols["uuid"]; !ok {
				return nil, fmt.Errorf("metadata header has no Uuid column")
			}
			continue
		}
		m, err := row(fields, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read metadata")
	}
	return out, nil
}

func header(fields []string) map[string]int {
	cols := make(map[string]int, len(fields))
	for i, f := range fields {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(f, "\ufeff")))] = i
	}
	return cols
}

func row(fields []string, cols map[string]int) (*sat.DocumentMetadata, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok && i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	m := &sat.DocumentMetadata{
		UUID:         strings.ToUpper(get("uuid")),
		IssuerRFC:    get("rfcemisor"),
		IssuerName:   get("nombreemisor"),
		ReceiverRFC:  get("rfcreceptor"),
		ReceiverName: get("nombrereceptor"),
		PACRFC:       get("rfcpac"),
		EffectType:   get("efectocomprobante"),
	}
	if m.UUID == "" {
		return nil, fmt.Errorf("empty Uuid")
	}

	switch get("estatus") {
	case "1":
		m.Status = "Vigente"
	case "0":
		m.Status = "Cancelado"
	default:
		m.Status = get("estatus")
	}

	var err error
	if m.IssuedAt, err = parseTime(get("fechaemision")); err != nil {
		return nil, err
	}
	if m.CertifiedAt, err = parseTime(get("fechacertificacionsat")); err != nil {
		return nil, err
	}
	if m.CancelledAt, err = parseTime(get("fechacancelacion")); err != nil {
		return nil, err
	}
	if v := get("monto"); v != "" {
		if m.Total, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid Monto %q", v)
		}
	}
	return m, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(metadataTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > MaxEntrySize {
		return nil, errors.Wrap(ErrEntryTooLarge, f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open entry %s", f.Name)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, MaxEntrySize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read entry %s", f.Name)
	}
	if len(content) > MaxEntrySize {
		return nil, errors.Wrap(ErrEntryTooLarge, f.Name)
	}
	return content, nil
}
