package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// FileMetadata is one record of the newline-delimited JSON metadata sidecar
// that accompanies a processed-data archive: it maps an output file name to
// arbitrary key/value provenance tags.
type FileMetadata struct {
	File     string                 `json:"file"`
	Metadata map[string]interface{} `json:"metadata"`
}

// WriteMetadataJSONL writes the records to path, one JSON object per line.
func WriteMetadataJSONL(path string, records []FileMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metadata file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode metadata record for %s: %w", rec.File, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush metadata file: %w", err)
	}
	return nil
}

// ReadMetadataJSONL reads a sidecar written by WriteMetadataJSONL.
func ReadMetadataJSONL(path string) ([]FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file %s: %w", path, err)
	}
	defer f.Close()

	var records []FileMetadata
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec FileMetadata
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("malformed metadata record %q: %w", sc.Text(), err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	return records, nil
}
