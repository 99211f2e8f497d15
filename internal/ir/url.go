package ir

import (
	"fmt"
	"strings"
)

// URLScheme is the document URL prefix.
const URLScheme = "hypermerge:/"

// DocURL renders a document id as a URL.
func DocURL(docID string) string {
	return URLScheme + docID
}

// ParseDocURL extracts the document id from a URL. A bare document id is
// accepted as-is.
func ParseDocURL(s string) (string, error) {
	id := strings.TrimPrefix(s, URLScheme)
	if strings.Contains(id, ":") || strings.Contains(id, "/") {
		return "", fmt.Errorf("invalid document url %q", s)
	}
	if id == "" {
		return "", fmt.Errorf("invalid document url %q: empty id", s)
	}
	return id, nil
}
