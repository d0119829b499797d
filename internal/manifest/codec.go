// Package manifest reads, writes and verifies per-file checksum manifests.
//
// A manifest line has the form
//
//	<checksum>  data/<contentId>
//
// The data/ prefix is mandatory. It is stripped by Parse and added back by
// Format.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const dataPrefix = "data/"

var linePattern = regexp.MustCompile(`^(\w+)[ \t]+data/(.*)$`)

// ErrParse is wrapped by every ParseError.
var ErrParse = errors.New("manifest parse failure")

// Entry is one parsed manifest line.
type Entry struct {
	Checksum  string
	ContentID string
}

// ParseError reports a line that does not match the expected layout.
// Pattern names the layout the line was checked against.
type ParseError struct {
	Line    string
	Pattern string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %q: does not match regex (%q)", e.Line, e.Pattern)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Parse decodes a single manifest line. One trailing line terminator is
// tolerated.
func Parse(line string) (Entry, error) {
	trimmed := strings.TrimSuffix(line, "\n")
	trimmed = strings.TrimSuffix(trimmed, "\r")
	m := linePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Entry{}, &ParseError{Line: line, Pattern: linePattern.String()}
	}
	return Entry{Checksum: m[1], ContentID: m[2]}, nil
}

// Format returns the canonical on-disk line for contentID, newline included.
func Format(contentID, checksum string) string {
	return checksum + "  " + dataPrefix + contentID + "\n"
}

func WriteEntry(w io.Writer, contentID, checksum string) error {
	_, err := io.WriteString(w, Format(contentID, checksum))
	return err
}
