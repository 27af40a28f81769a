package store

import (
	"errors"
	"time"
)

// timeLayout keeps a fixed-width fraction so the TEXT columns order
// lexicographically; RFC3339Nano trims trailing zeros and would misorder
// values within the same second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp in the canonical column format.
func FormatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp column value.
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

// NullableString maps empty strings to NULL for insert arguments.
func NullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// NullableTime maps nil times to NULL for insert arguments.
func NullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return FormatTime(*value)
}

// Placeholders builds a "?,?,?" list for IN clauses.
func Placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
