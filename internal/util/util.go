package util

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadJSONFile decodes the JSON file at filePath into v. A missing file is not
// an error and leaves v untouched, so callers can pre-fill v with defaults.
func LoadJSONFile(filePath string, v any) error {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", filePath, err)
	}
	return nil
}
