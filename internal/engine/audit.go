package engine

import (
	"fmt"
	"strings"

	"github.com/ecairns22/mydb/internal/catalog"
)

var (
	doubleRule = strings.Repeat("=", 80)
	singleRule = strings.Repeat("-", 80)
)

// AuditReport accumulates the text of an instance audit.
type AuditReport struct {
	b strings.Builder
}

// NewAuditReport starts a report with the standard header.
func NewAuditReport(title string, info *catalog.Info, host string) *AuditReport {
	r := &AuditReport{}
	r.Line(doubleRule)
	r.Line(title + " Audit Report")
	r.Line("Container: " + info.Name)
	r.Line("Host: " + host)
	r.Printf("Port: %d", info.Port)
	r.Line(doubleRule)
	r.Line("")
	return r
}

func (r *AuditReport) Line(s string) {
	r.b.WriteString(s)
	r.b.WriteByte('\n')
}

func (r *AuditReport) Printf(format string, args ...any) {
	r.Line(fmt.Sprintf(format, args...))
}

// Section writes a heading underlined with a rule.
func (r *AuditReport) Section(title string) {
	r.Line(title)
	r.Line(singleRule)
}

func (r *AuditReport) Rule() {
	r.Line(singleRule)
}

// Finish closes the report. A non-nil err is recorded in place of the
// completion banner.
func (r *AuditReport) Finish(err error) string {
	r.Line("")
	if err != nil {
		r.Printf("ERROR: audit failed: %v", err)
		return r.b.String()
	}
	r.Line(doubleRule)
	r.Line("Audit Complete")
	r.Line(doubleRule)
	return r.b.String()
}
