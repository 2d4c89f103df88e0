package email

import (
	"fmt"
	"strings"
	"time"
)

// BuildMessage assembles a plain-text RFC 5322 message. templateID is carried
// in TemplateHeader so test senders can tell messages apart.
func BuildMessage(from, to, subject, templateID, body string, date time.Time) []byte {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("To: %s\r\n", to))
	sb.WriteString(fmt.Sprintf("From: %s\r\n", from))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	sb.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	if templateID != "" {
		sb.WriteString(fmt.Sprintf("%s: %s\r\n", TemplateHeader, templateID))
	}
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	if !strings.HasSuffix(body, "\r\n") {
		sb.WriteString("\r\n")
	}
	return []byte(sb.String())
}
