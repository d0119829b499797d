package config

import (
	"fmt"
	"os"

	"github.com/rowjay/snapshot-bridge/internal/cryptoutil"
)

// EncryptConfigFile seals inputPath with key and writes it to outputPath.
// outputPath should end in .enc so Load recognizes it.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	ciphertext, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return fmt.Errorf("encrypt config: %w", err)
	}
	return os.WriteFile(outputPath, ciphertext, 0o600)
}
