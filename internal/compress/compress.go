// Package compress wraps streams in the codecs used for manifest segment files.
package compress

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	TypeNone = "none"
	TypeGzip = "gzip"
	TypeZstd = "zstd"
)

var extensions = map[string]string{
	".gz":  TypeGzip,
	".zst": TypeZstd,
}

// TypeForName picks the codec from a file name suffix.
func TypeForName(name string) string {
	for ext, kind := range extensions {
		if strings.HasSuffix(name, ext) {
			return kind
		}
	}
	return TypeNone
}

// TrimExtension strips a codec suffix from name.
func TrimExtension(name string) string {
	for ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

// WrapReader decodes r with the named codec.
func WrapReader(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case "", TypeNone:
		return io.NopCloser(r), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
