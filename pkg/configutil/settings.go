package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a loosely typed map into a typed struct. Keys match
// fields case, underscore and hyphen insensitively and scalars are coerced
// (a numeric "ext" becomes a string).
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// DecodeRows decodes each object in rows into a T. Non-object rows and rows
// that fail to decode are reported through skip and left out.
func DecodeRows[T any](rows []any, skip func(index int, err error)) []T {
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			if skip != nil {
				skip(i, fmt.Errorf("row %d is %T, not an object", i, row))
			}
			continue
		}
		var item T
		if err := DecodeSettings(m, &item); err != nil {
			if skip != nil {
				skip(i, err)
			}
			continue
		}
		out = append(out, item)
	}
	return out
}

// RequireString ensures a value is present for a required config field.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// RequireRatio ensures a threshold lies in (0, 1].
func RequireRatio(value float64, path string) error {
	if value <= 0 || value > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", path, value)
	}
	return nil
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
