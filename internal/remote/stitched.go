package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/snapshot-bridge/internal/compress"
	"github.com/rowjay/snapshot-bridge/internal/manifest"
)

const segmentExt = ".tsv"

// Segment emits the manifest items of one source, in order.
type Segment struct {
	Name string
	Read func(ctx context.Context, emit func(manifest.Item) error) error
}

// StitchedGenerator builds a space manifest from ordered segments: the live
// listing of the space, then the segment files stored for the space below
// segmentsDir in name order. A later segment overrides an earlier one for
// the same content id; an item with an empty checksum removes the id.
type StitchedGenerator struct {
	store       ContentStore
	segmentsDir string
	log         zerolog.Logger
}

var _ manifest.Generator = (*StitchedGenerator)(nil)

func NewStitchedGenerator(store ContentStore, segmentsDir string, log zerolog.Logger) *StitchedGenerator {
	return &StitchedGenerator{store: store, segmentsDir: segmentsDir, log: log}
}

// Generate streams the stitched manifest. Segments are read on a separate
// goroutine; closing the reader stops it.
func (g *StitchedGenerator) Generate(ctx context.Context, spaceID string, enc manifest.Encoding) (io.ReadCloser, error) {
	formatter, err := manifest.FormatterFor(enc)
	if err != nil {
		return nil, err
	}
	segments, err := g.Segments(spaceID)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := g.stitch(egCtx, spaceID, segments, formatter, pw)
		pw.CloseWithError(err)
		return err
	})
	return &stitchedReader{PipeReader: pr, wait: eg.Wait}, nil
}

// Segments lists the sources for spaceID in merge order.
func (g *StitchedGenerator) Segments(spaceID string) ([]Segment, error) {
	segments := []Segment{{
		Name: "listing",
		Read: func(ctx context.Context, emit func(manifest.Item) error) error {
			objects, err := g.store.List(ctx, spaceID)
			if err != nil {
				return err
			}
			for _, obj := range objects {
				if err := emit(manifest.Item{SpaceID: spaceID, ContentID: obj.ContentID, Checksum: obj.Checksum}); err != nil {
					return err
				}
			}
			return nil
		},
	}}
	if g.segmentsDir == "" {
		return segments, nil
	}

	dir := filepath.Join(g.segmentsDir, spaceID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return segments, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segments for %s: %w", spaceID, err)
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(compress.TrimExtension(entry.Name()), segmentExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		segments = append(segments, Segment{
			Name: name,
			Read: func(ctx context.Context, emit func(manifest.Item) error) error {
				return readSegmentFile(ctx, path, emit)
			},
		})
	}
	return segments, nil
}

func readSegmentFile(ctx context.Context, path string, emit func(manifest.Item) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	body, err := compress.WrapReader(compress.TypeForName(path), file)
	if err != nil {
		return err
	}
	defer body.Close()

	tsv := manifest.TSV{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if line == tsv.Header() {
				continue
			}
		}
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := tsv.ParseLine(line)
		if err != nil {
			return err
		}
		if err := emit(item); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (g *StitchedGenerator) stitch(ctx context.Context, spaceID string, segments []Segment, formatter manifest.Formatter, w io.Writer) error {
	merged := newMergeSet()
	for _, seg := range segments {
		if err := seg.Read(ctx, merged.apply); err != nil {
			return fmt.Errorf("segment %s of %s: %w", seg.Name, spaceID, err)
		}
	}
	g.log.Debug().Str("space", spaceID).Int("segments", len(segments)).Int("items", len(merged.items)).Msg("manifest stitched")

	bw := bufio.NewWriter(w)
	if header := formatter.Header(); header != "" {
		if _, err := bw.WriteString(header + "\n"); err != nil {
			return err
		}
	}
	for _, id := range merged.order {
		item, ok := merged.items[id]
		if !ok {
			continue
		}
		item.SpaceID = spaceID
		if _, err := bw.WriteString(formatter.FormatLine(item)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

type mergeSet struct {
	order []string
	seen  map[string]bool
	items map[string]manifest.Item
}

func newMergeSet() *mergeSet {
	return &mergeSet{seen: map[string]bool{}, items: map[string]manifest.Item{}}
}

func (m *mergeSet) apply(item manifest.Item) error {
	if item.Checksum == "" {
		delete(m.items, item.ContentID)
		return nil
	}
	if !m.seen[item.ContentID] {
		m.seen[item.ContentID] = true
		m.order = append(m.order, item.ContentID)
	}
	m.items[item.ContentID] = item
	return nil
}

type stitchedReader struct {
	*io.PipeReader
	wait func() error
}

func (r *stitchedReader) Close() error {
	err := r.PipeReader.Close()
	_ = r.wait()
	return err
}
