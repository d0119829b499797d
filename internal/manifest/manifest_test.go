package manifest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFormatParseRoundTrip(t *testing.T) {
	ids := []string{
		"a.txt",
		"dir/sub dir/file name.txt",
		"data/nested/data/x",
		"unicodé/ファイル",
		"trailing-space ",
		"tab\tinside",
	}
	for _, id := range ids {
		line := Format(id, "0cc175b9c0f1b6a831c399e269772661")
		entry, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", line, err)
		}
		if entry.ContentID != id {
			t.Errorf("ContentID = %q, want %q", entry.ContentID, id)
		}
		if entry.Checksum != "0cc175b9c0f1b6a831c399e269772661" {
			t.Errorf("Checksum = %q", entry.Checksum)
		}
	}
}

func TestParseAcceptsCRLFAndTabs(t *testing.T) {
	entry, err := Parse("abc123\tdata/x/y.txt\r\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if entry.Checksum != "abc123" || entry.ContentID != "x/y.txt" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestParseFailure(t *testing.T) {
	for _, line := range []string{"not-a-valid-manifest-line", "abc123  x/y.txt", "  data/x", ""} {
		_, err := Parse(line)
		if err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", line)
		}
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("error %T is not a *ParseError", err)
		}
		if !errors.Is(err, ErrParse) {
			t.Fatalf("error does not wrap ErrParse")
		}
		if perr.Line != line {
			t.Errorf("Line = %q, want %q", perr.Line, line)
		}
		if perr.Pattern != linePattern.String() || !strings.Contains(err.Error(), "data/") {
			t.Errorf("error does not reference the pattern: %v", err)
		}
	}
}

func TestWriteEntry(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEntry(&buf, "a.txt", "md5-1"); err != nil {
		t.Fatalf("WriteEntry() error = %v", err)
	}
	if buf.String() != "md5-1  data/a.txt\n" {
		t.Fatalf("unexpected line %q", buf.String())
	}
}

func TestIndex(t *testing.T) {
	idx := NewIndex()
	idx.Insert("a.txt", "md51")
	idx.Insert("a.txt", "md51")
	idx.Insert("b.txt", "md52")

	if idx.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", idx.Size())
	}
	if !idx.Contains("a.txt", "md51") {
		t.Error("expected a.txt/md51")
	}
	if idx.Contains("a.txt", "md52") {
		t.Error("a.txt must not match another checksum")
	}
	if idx.Contains("c.txt", "md51") {
		t.Error("unexpected c.txt")
	}
}

func TestLoadIndex(t *testing.T) {
	input := "md51  data/a.txt\n\nmd52  data/b.txt\n"
	idx, err := LoadIndex(strings.NewReader(input))
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if idx.Size() != 2 || !idx.Contains("b.txt", "md52") {
		t.Fatalf("unexpected index contents, size %d", idx.Size())
	}

	_, err = LoadIndex(strings.NewReader("md51  data/a.txt\ngarbage\n"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("LoadIndex() error = %v, want parse failure", err)
	}
}

func TestTSV(t *testing.T) {
	f, err := FormatterFor(EncodingTSV)
	if err != nil {
		t.Fatalf("FormatterFor() error = %v", err)
	}
	line := f.FormatLine(Item{SpaceID: "space1", ContentID: "dir/a b.txt", Checksum: "abc"})
	item, err := f.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if item.SpaceID != "space1" || item.ContentID != "dir/a b.txt" || item.Checksum != "abc" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if _, err := f.ParseLine("only\ttwo"); !errors.Is(err, ErrParse) {
		t.Fatalf("expected parse failure for short record, got %v", err)
	}
	_, err = f.ParseLine("space1\ta\tb.txt\tabc\n")
	var perr *ParseError
	if !errors.As(err, &perr) || perr.Line != "space1\ta\tb.txt\tabc\n" {
		t.Fatalf("expected parse failure for four-field record, got %v", err)
	}
	if _, err := FormatterFor("xml"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}
