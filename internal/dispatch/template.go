package dispatch

import (
	"strings"
	"time"

	"zapdesk/internal/models"
)

// Greeting returns the salutation for the hour of t.
func Greeting(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return "Bom dia"
	case h < 18:
		return "Boa tarde"
	default:
		return "Boa noite"
	}
}

// RenderBody fills the placeholders an agent can use in a message sent to a number:
// {{name}}, {{firstName}}, {{number}} and {{greeting}}. Unknown placeholders are kept.
func RenderBody(body string, c *models.Contact, now time.Time) string {
	if !strings.Contains(body, "{{") {
		return body
	}
	name, number := "", ""
	if c != nil {
		name, number = c.Name, c.Number
	}
	first := name
	if i := strings.IndexByte(name, ' '); i > 0 {
		first = name[:i]
	}
	greeting := Greeting(now)
	r := strings.NewReplacer(
		"{{name}}", name, "{{ name }}", name,
		"{{firstName}}", first, "{{ firstName }}", first,
		"{{number}}", number, "{{ number }}", number,
		"{{greeting}}", greeting, "{{ greeting }}", greeting,
	)
	return r.Replace(body)
}
