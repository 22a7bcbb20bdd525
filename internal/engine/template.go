package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/juju/errors"
)

// TemplateFuncs quote values for the init script languages.
var TemplateFuncs = template.FuncMap{
	"sql": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	},
	"ident": func(s string) string {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	},
	"mysql": func(s string) string {
		s = strings.ReplaceAll(s, `\`, `\\`)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	},
	"mysqlIdent": func(s string) string {
		return "`" + strings.ReplaceAll(s, "`", "``") + "`"
	},
	"js": func(s string) string {
		b, _ := json.Marshal(s)
		return string(b)
	},
}

// ParseTemplate parses an init script template with TemplateFuncs.
func ParseTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(TemplateFuncs).Parse(text))
}

// Render executes tmpl with p.
func Render(tmpl *template.Template, p Params) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", errors.Annotatef(err, "rendering %s", tmpl.Name())
	}
	return buf.String(), nil
}
