package manifest

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Encoding selects the textual form of a generated manifest.
type Encoding string

const (
	EncodingTSV   Encoding = "tsv"
	EncodingBagIt Encoding = "bagit"
)

const tsvHeader = "space-id\tcontent-id\tMD5"

// Item is one record of a generated space manifest.
type Item struct {
	SpaceID   string
	ContentID string
	Checksum  string
}

// Formatter renders and parses records of one Encoding.
type Formatter interface {
	// Header returns the header line, or "" when the encoding has none.
	Header() string
	FormatLine(item Item) string
	ParseLine(line string) (Item, error)
}

// Generator produces a stitched manifest for a space.
type Generator interface {
	Generate(ctx context.Context, spaceID string, enc Encoding) (io.ReadCloser, error)
}

func FormatterFor(enc Encoding) (Formatter, error) {
	switch enc {
	case EncodingTSV, "":
		return TSV{}, nil
	case EncodingBagIt:
		return BagIt{}, nil
	default:
		return nil, fmt.Errorf("unsupported manifest encoding: %s", enc)
	}
}

type TSV struct{}

func (TSV) Header() string { return tsvHeader }

func (TSV) FormatLine(item Item) string {
	return item.SpaceID + "\t" + item.ContentID + "\t" + item.Checksum + "\n"
}

// ParseLine requires exactly three fields, so a content id holding a tab
// is rejected instead of shifting the checksum column.
func (TSV) ParseLine(line string) (Item, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) != 3 {
		return Item{}, &ParseError{Line: line, Pattern: tsvHeader}
	}
	return Item{SpaceID: fields[0], ContentID: fields[1], Checksum: fields[2]}, nil
}

// BagIt renders records in manifest line form. It carries no space id.
type BagIt struct{}

func (BagIt) Header() string { return "" }

func (BagIt) FormatLine(item Item) string {
	return Format(item.ContentID, item.Checksum)
}

func (BagIt) ParseLine(line string) (Item, error) {
	entry, err := Parse(line)
	if err != nil {
		return Item{}, err
	}
	return Item{ContentID: entry.ContentID, Checksum: entry.Checksum}, nil
}
