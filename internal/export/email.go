package export

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// EmailData feeds the mailto templates.
type EmailData struct {
	ClientName    string
	InvoiceNumber string
	ArtifactPath  string
	Filename      string
}

var (
	emailSubject = pongo2.Must(pongo2.FromString(
		`{% autoescape off %}Invoice{% if number %} {{ number }}{% endif %}{% if client %} for {{ client }}{% endif %}{% endautoescape %}`))
	emailBody = pongo2.Must(pongo2.FromString(`{% autoescape off %}Hello{% if client %} {{ client }}{% endif %},

please find {% if number %}invoice {{ number }}{% else %}your invoice{% endif %} attached as {{ filename }}.
{% if path %}
A copy is stored at {{ path }}.
{% endif %}
Kind regards
{% endautoescape %}`))
)

// MailtoLink builds a mailto: URL with a prepared subject and body. The
// recipient may be empty, in which case the mail client asks for one.
func MailtoLink(recipient string, data EmailData) (string, error) {
	if recipient != "" {
		if _, err := mail.ParseAddress(recipient); err != nil {
			return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
		}
	}
	ctx := pongo2.Context{
		"client":   data.ClientName,
		"number":   data.InvoiceNumber,
		"path":     data.ArtifactPath,
		"filename": data.Filename,
	}
	subject, err := emailSubject.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("email subject: %w", err)
	}
	body, err := emailBody.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("email body: %w", err)
	}

	return "mailto:" + url.PathEscape(recipient) +
		"?subject=" + mailtoEscape(subject) +
		"&body=" + mailtoEscape(strings.TrimSpace(body)), nil
}

// mailtoEscape percent-encodes s the way mail clients expect: spaces as %20
// and line breaks as %0D%0A.
func mailtoEscape(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
