package email

import (
	"bytes"
	"fmt"
	"html/template"
)

var codeTemplate = template.Must(template.New("code").Parse(`<div style="font-family: ui-sans-serif, system-ui; line-height: 1.5">
  <p>Your verification code:</p>
  <p style="font-size: 24px; font-weight: 700; letter-spacing: 2px">{{.Code}}</p>
  <p style="color:#64748b">The code is valid for {{.Minutes}} minutes. If you did not request it, ignore this email.</p>
</div>
`))

// CodeTemplate renders the verification code email
type CodeTemplate struct {
	minutes int
}

// NewCodeTemplate creates a template that advertises the given validity
func NewCodeTemplate(minutes int) *CodeTemplate {
	return &CodeTemplate{minutes: minutes}
}

// Render returns the HTML body for code
func (t *CodeTemplate) Render(code string) (string, error) {
	var buf bytes.Buffer
	err := codeTemplate.Execute(&buf, struct {
		Code    string
		Minutes int
	}{Code: code, Minutes: t.minutes})
	if err != nil {
		return "", fmt.Errorf("rendering code email: %w", err)
	}
	return buf.String(), nil
}
