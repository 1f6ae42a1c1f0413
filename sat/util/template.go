package util

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"strings"
	"text/template"
	"time"
)

var funcMap = template.FuncMap{
	"base64": base64.StdEncoding.EncodeToString,
	"xml":    escapeXML,
	"utc": func(t time.Time) string {
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	},
}

// MergeTemplate renders tpl with model. Values inserted into XML must go through the
// xml function.
func MergeTemplate(tpl *string, model any) ([]byte, error) {

	tmpl, err := template.New("request").Funcs(funcMap).Parse(*tpl)
	if err != nil {
		return nil, err
	}

	var output bytes.Buffer

	err = tmpl.Execute(&output, model)
	if err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
