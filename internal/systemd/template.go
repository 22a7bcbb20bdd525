package systemd

import (
	"bytes"
	"strings"
	"text/template"
)

const serviceTemplate = `[Unit]
Description=mydb: {{.Description}}
After=network-online.target docker.service
Wants=network-online.target

[Service]
Type=oneshot
ExecStart={{.Binary}} --config {{.Config}} --actor {{.Actor}} {{.Args}}
Nice=10
`

const timerTemplate = `[Unit]
Description=mydb: {{.Description}} ({{.OnCalendar}})

[Timer]
OnCalendar={{.OnCalendar}}
Persistent=true
RandomizedDelaySec=300

[Install]
WantedBy=timers.target
`

var (
	parsedServiceTemplate = template.Must(template.New("service").Parse(serviceTemplate))
	parsedTimerTemplate   = template.Must(template.New("timer").Parse(timerTemplate))
)

// UnitParams holds values for the service and timer templates.
type UnitParams struct {
	Description string
	Binary      string
	Config      string
	Actor       string
	Args        string
	OnCalendar  string
}

func (m *Manager) params(job Job) UnitParams {
	return UnitParams{
		Description: job.Description,
		Binary:      m.binary,
		Config:      m.configPath,
		Actor:       actorName(job.Name),
		Args:        strings.Join(job.Args, " "),
		OnCalendar:  job.OnCalendar,
	}
}

// RenderService renders the oneshot service that runs a job.
func RenderService(p UnitParams) (string, error) {
	var buf bytes.Buffer
	if err := parsedServiceTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderTimer renders the timer that triggers a job's service.
func RenderTimer(p UnitParams) (string, error) {
	var buf bytes.Buffer
	if err := parsedTimerTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
