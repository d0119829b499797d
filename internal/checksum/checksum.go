// Package checksum computes content digests through a single shared hash
// instance. The instance is not safe for concurrent use, so every call
// holds the service mutex for its whole computation: concurrent callers
// queue rather than race.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	md5simd "github.com/minio/md5-simd"
)

const (
	AlgorithmMD5    = "MD5"
	AlgorithmSHA256 = "SHA-256"
)

type Service struct {
	mu        sync.Mutex
	algorithm string
	h         hash.Hash
	release   func()
}

// NewMD5 returns a service backed by an md5-simd hasher. Close releases it.
func NewMD5() *Service {
	server := md5simd.NewServer()
	hasher := server.NewHash()
	return &Service{
		algorithm: AlgorithmMD5,
		h:         hasher,
		release: func() {
			hasher.Close()
			server.Close()
		},
	}
}

func NewSHA256() *Service {
	return &Service{algorithm: AlgorithmSHA256, h: sha256.New()}
}

func (s *Service) Algorithm() string { return s.algorithm }

// String digests the bytes of v.
func (s *Service) String(v string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h.Reset()
	_, _ = io.WriteString(s.h, v)
	return hex.EncodeToString(s.h.Sum(nil))
}

// Reader digests everything readable from r.
func (s *Service) Reader(r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h.Reset()
	if _, err := io.Copy(s.h, r); err != nil {
		s.h.Reset()
		return "", err
	}
	return hex.EncodeToString(s.h.Sum(nil)), nil
}

// File streams the file at path through the digest.
func (s *Service) File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer file.Close()
	sum, err := s.Reader(file)
	if err != nil {
		return "", fmt.Errorf("checksumming %s: %w", path, err)
	}
	return sum, nil
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release != nil {
		s.release()
		s.release = nil
	}
}
