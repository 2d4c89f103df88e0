package email

import (
	"bytes"
	"fmt"
	"text/template"
)

// Render executes subject and body template sources against data. A missing
// map key is an error.
func Render(subjectSrc, bodySrc string, data any) (subject, body string, err error) {
	subject, err = execute("subject", subjectSrc, data)
	if err != nil {
		return "", "", err
	}
	body, err = execute("body", bodySrc, data)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func execute(name, src string, data any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// CheckTemplate reports whether both sources parse.
func CheckTemplate(subjectSrc, bodySrc string) error {
	if _, err := template.New("subject").Parse(subjectSrc); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if _, err := template.New("body").Parse(bodySrc); err != nil {
		return fmt.Errorf("invalid body template: %w", err)
	}
	return nil
}
