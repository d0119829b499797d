package manifest

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rowjay/snapshot-bridge/internal/snapshot"
)

var ErrNotVerified = errors.New("verify must be called before errors are available")

// Verifier compares an archived manifest file against the stitched manifest
// the backend regenerates for a space. The first Verify result is cached.
type Verifier struct {
	manifestPath string
	generator    Generator
	spaceID      string
	log          zerolog.Logger

	done   bool
	errors []string
}

func NewVerifier(manifestPath string, generator Generator, spaceID string, log zerolog.Logger) *Verifier {
	return &Verifier{
		manifestPath: manifestPath,
		generator:    generator,
		spaceID:      spaceID,
		log:          log.With().Str("component", "verifier").Str("space", spaceID).Logger(),
	}
}

// Verify reports whether both manifests hold exactly the same
// (contentId, checksum) pairs. Failures never escape as errors; they are
// recorded as discrepancies.
func (v *Verifier) Verify(ctx context.Context) bool {
	if v.done {
		return len(v.errors) == 0
	}
	v.done = true
	v.errors = []string{}
	if err := v.compare(ctx); err != nil {
		msg := "failed to verify space manifest against archived manifest: " + err.Error()
		v.errors = append(v.errors, msg)
		v.log.Error().Err(err).Msg("manifest verification aborted")
	}
	return len(v.errors) == 0
}

func (v *Verifier) Errors() ([]string, error) {
	if !v.done {
		return nil, ErrNotVerified
	}
	return v.errors, nil
}

func (v *Verifier) compare(ctx context.Context) error {
	archived, err := LoadIndexFile(v.manifestPath)
	if err != nil {
		return err
	}

	formatter := TSV{}
	stream, err := v.generator.Generate(ctx, v.spaceID, EncodingTSV)
	if err != nil {
		return fmt.Errorf("generate stitched manifest: %w", err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if formatter.Header() != "" {
		scanner.Scan()
	}

	compared := 0
	for scanner.Scan() {
		item, err := formatter.ParseLine(scanner.Text())
		if err != nil {
			return err
		}
		if item.ContentID == snapshot.PropsFilename {
			continue
		}
		if !archived.Contains(item.ContentID, item.Checksum) {
			v.errors = append(v.errors, fmt.Sprintf(
				"archived manifest does not contain content id/checksum combination (%s, %s)",
				item.ContentID, item.Checksum))
		}
		compared++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stitched manifest: %w", err)
	}

	if archived.Size() != compared {
		v.errors = append(v.errors, fmt.Sprintf(
			"archived manifest size (%d) does not equal space manifest size (%d)",
			archived.Size(), compared))
	}
	v.log.Debug().Int("compared", compared).Int("archived", archived.Size()).Int("discrepancies", len(v.errors)).Msg("manifest comparison finished")
	return nil
}
