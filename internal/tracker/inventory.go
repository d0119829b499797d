package tracker

import (
	"encoding/json"
	"fmt"
	"io"
)

// ContentProperties is one record of a content-properties.json inventory.
type ContentProperties struct {
	ContentID  string            `json:"content-id"`
	Properties map[string]string `json:"properties"`
}

// ReadInventory streams the JSON array in r, calling fn once per record.
func ReadInventory(r io.Reader, fn func(ContentProperties) error) error {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("read inventory: expected array, got %v", tok)
	}
	for dec.More() {
		var rec ContentProperties
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("read inventory record: %w", err)
		}
		if rec.ContentID == "" {
			return fmt.Errorf("read inventory: record without content-id")
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	return nil
}
