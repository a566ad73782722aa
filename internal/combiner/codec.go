package combiner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"CombineMR/internal/types"
)

// Encode writes records as newline-delimited JSON: {"key": k, "values": [...]}
func Encode(records []types.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range records {
		if records[i].Values == nil {
			records[i].Values = []string{}
		}
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("failed to encode record %q: %w", records[i].Key, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a partition file; blank lines are skipped
func Decode(data []byte) ([]types.Record, error) {
	var records []types.Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var r types.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("malformed record on line %d: %w", line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan partition: %w", err)
	}
	return records, nil
}
