package notification

import (
	"bytes"
	"html/template"
)

const appointmentTemplate = `<!DOCTYPE html>
<html>
<body>
  <p>Hello {{.TherapistName}},</p>
  <p>{{.Headline}}</p>
  <ul>
    <li>Date: {{.Date}}</li>
    <li>Time: {{.Time}} ({{.Timezone}})</li>
    <li>Duration: {{.Duration}} minutes</li>
    <li>Status: {{.Status}}</li>
    {{- if .Reason}}
    <li>Reason: {{.Reason}}</li>
    {{- end}}
    <li>Reference: {{.AppointmentID}}</li>
  </ul>
</body>
</html>`

var appointmentTmpl = template.Must(template.New("appointment").Parse(appointmentTemplate))

type appointmentData struct {
	TherapistName string
	Headline      string
	Date          string
	Time          string
	Timezone      string
	Duration      int
	Status        string
	Reason        string
	AppointmentID string
}

func renderAppointment(data appointmentData) (string, error) {
	var buf bytes.Buffer
	if err := appointmentTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
