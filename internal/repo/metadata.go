package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Assumption tags and metadata are stored as JSON text. They are opaque
// to coordination but validated in shape: tags must be an array of
// strings, metadata must be an object. Rows that fail to decode surface
// ErrMalformedMetadata instead of silently dropping the field.

func encodeTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return string(data), nil
}

func decodeTags(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil, fmt.Errorf("%w: assumption_tags is not a string array", ErrMalformedMetadata)
	}
	return tags, nil
}

func encodeMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return string(data), nil
}

func decodeMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata is not a JSON object", ErrMalformedMetadata)
	}
	return meta, nil
}

// ParseAssumptionTags validates raw caller JSON for the CLI path, where
// tags arrive as text rather than a decoded array.
func ParseAssumptionTags(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("%w: assumption tags must be a JSON string array", ErrMalformedMetadata)
	}
	return tags, nil
}

// ParseMetadata validates raw caller JSON for the CLI path.
func ParseMetadata(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata must be a JSON object", ErrMalformedMetadata)
	}
	return meta, nil
}
