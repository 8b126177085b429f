// ABOUTME: Message text processing: HTML sanitization and markdown rendering.
// ABOUTME: Exposed as routing middlewares attached when enabled in config.

package content

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/2389/support-gateway/internal/message"
)

var policy = bluemonday.UGCPolicy()

// Sanitize strips unsafe HTML from user-authored text using a strict UGC
// policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts markdown text to sanitized HTML.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// SanitizeMiddleware returns a routing middleware that strips unsafe HTML
// from customer-authored messages. Operator and agent text passes through
// untouched.
func SanitizeMiddleware() func(message.Route) *message.Message {
	return func(r message.Route) *message.Message {
		if r.Message.AuthorType != message.AuthorCustomer {
			return &r.Message
		}
		out := r.Message.WithText(Sanitize(r.Message.Text))
		return &out
	}
}

// MarkdownMiddleware returns a routing middleware that renders message text
// as HTML on delivery routes. Render failures leave the text untouched.
func MarkdownMiddleware() func(message.Route) *message.Message {
	return func(r message.Route) *message.Message {
		html, err := RenderMarkdown(r.Message.Text)
		if err != nil {
			return &r.Message
		}
		out := r.Message.WithText(html)
		return &out
	}
}
