package email

import (
	"bytes"
	"html/template"
	"time"
)

var loginCodeTemplate = template.Must(template.New("login_code").Parse(`<html><body>
<p>Your sign-in code for the field access console is:</p>
<h2>{{.Code}}</h2>
<p>The code expires in {{.Minutes}} minutes. If you did not try to sign in, ignore this message.</p>
</body></html>`))

var pendingEnrollmentTemplate = template.Must(template.New("pending_enrollment").Parse(`<html><body>
<p>A device is waiting for enrollment approval.</p>
<table>
<tr><td>Request</td><td>{{.RequestID}}</td></tr>
<tr><td>Fingerprint</td><td>{{.Fingerprint}}</td></tr>
<tr><td>Bootstrap key</td><td>{{.KeyID}}</td></tr>
{{range $k, $v := .Metadata}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}<tr><td>Expires</td><td>{{.Expires}}</td></tr>
</table>
{{if .Link}}<p><a href="{{.Link}}">Review pending enrollments</a></p>{{end}}
</body></html>`))

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LoginCodeMessage is the one-time sign-in code mail.
func LoginCodeMessage(to, code string, ttl time.Duration) (*Message, error) {
	body, err := render(loginCodeTemplate, struct {
		Code    string
		Minutes int
	}{code, int(ttl.Minutes())})
	if err != nil {
		return nil, err
	}
	return &Message{
		To:      []string{to},
		Subject: "Your field access sign-in code",
		HTML:    body,
	}, nil
}
