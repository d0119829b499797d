package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Index is a write-only membership set of formatted (contentId, checksum)
// pairs. There is no removal: once loaded it is only queried.
type Index struct {
	keys map[string]struct{}
}

func NewIndex() *Index {
	return &Index{keys: make(map[string]struct{})}
}

func (x *Index) Insert(contentID, checksum string) {
	x.keys[Format(contentID, checksum)] = struct{}{}
}

func (x *Index) Contains(contentID, checksum string) bool {
	_, ok := x.keys[Format(contentID, checksum)]
	return ok
}

func (x *Index) Size() int {
	return len(x.keys)
}

// LoadIndex parses every non-blank line of r into a new Index.
func LoadIndex(r io.Reader) (*Index, error) {
	idx := NewIndex()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := Parse(line)
		if err != nil {
			return nil, err
		}
		idx.Insert(entry.ContentID, entry.Checksum)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return idx, nil
}

func LoadIndexFile(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer file.Close()
	return LoadIndex(file)
}
