package helpers

import (
	"regexp"
	"strings"

	"github.com/k3a/html2text"
)

var base64DataURI = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=]{50,}`)

// stripBase64DataURIs replaces inline base64 payloads so they are not fed
// into text conversion.
func stripBase64DataURIs(s string) string {
	return base64DataURI.ReplaceAllString(s, "[embedded-image]")
}

// HTMLToText converts an HTML body into plain text.
func HTMLToText(html string) string {
	return html2text.HTML2Text(stripBase64DataURIs(html))
}

// CollapseWhitespace replaces every whitespace run with a single space and
// trims the result.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
