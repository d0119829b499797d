// Package cryptoutil seals configuration files and metadata archives.
package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const KeySize = 32

// ParseKey decodes a 32-byte key given as base64 or hex, optionally
// prefixed with "base64:" or "hex:".
func ParseKey(key string) ([]byte, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, errors.New("encryption key is empty")
	}

	var data []byte
	var err error
	switch {
	case strings.HasPrefix(trimmed, "base64:"):
		data, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, "base64:"))
	case strings.HasPrefix(trimmed, "hex:"):
		data, err = hex.DecodeString(strings.TrimPrefix(trimmed, "hex:"))
	default:
		if data, err = base64.StdEncoding.DecodeString(trimmed); err != nil {
			data, err = hex.DecodeString(trimmed)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), KeySize)
	}
	return data, nil
}

// OptionalKey is ParseKey for settings that may be left blank; a blank
// value yields a nil key.
func OptionalKey(key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	return ParseKey(key)
}
