// Package content transforms message text on its way through the
// controller. Sanitize strips unsafe HTML from customer-authored
// messages; RenderMarkdown converts markdown to sanitized HTML.
// Both are exposed as middleware constructors so the gateway can
// enable them from config.
package content
