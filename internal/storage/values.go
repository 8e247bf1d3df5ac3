package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/halyard-io/halyard/internal/entity"
)

// TimeFormat is the stored form of every timestamp: RFC3339 with
// nanoseconds, always UTC.
const TimeFormat = time.RFC3339Nano

// EncodeTime renders a timestamp in the stored form.
func EncodeTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// DecodeTime parses a stored timestamp. Falls back to plain RFC3339 for
// values written by other tools.
func DecodeTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// EncodeValue serializes a Go value into its TEXT column form. nil stays
// nil (SQL NULL).
func EncodeValue(f entity.Field, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case entity.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %s: want string, got %T", f.Name, v)
		}
		return s, nil
	case entity.TypeInt:
		switch n := v.(type) {
		case int:
			return strconv.FormatInt(int64(n), 10), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case float64: // JSON round-trips land here
			return strconv.FormatInt(int64(n), 10), nil
		default:
			return nil, fmt.Errorf("field %s: want int, got %T", f.Name, v)
		}
	case entity.TypeFloat:
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'g', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(n), 'g', -1, 64), nil
		case int:
			return strconv.FormatFloat(float64(n), 'g', -1, 64), nil
		default:
			return nil, fmt.Errorf("field %s: want float, got %T", f.Name, v)
		}
	case entity.TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("field %s: want bool, got %T", f.Name, v)
		}
		return strconv.FormatBool(b), nil
	case entity.TypeTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("field %s: want time.Time, got %T", f.Name, v)
		}
		return EncodeTime(t), nil
	case entity.TypeJSON:
		buf, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return string(buf), nil
	default:
		return nil, fmt.Errorf("field %s: unknown type %q", f.Name, f.Type)
	}
}

// DecodeValue parses a TEXT column value back into its Go form.
func DecodeValue(f entity.Field, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("field %s: column value is %T, want TEXT", f.Name, raw)
	}
	switch f.Type {
	case entity.TypeString:
		return s, nil
	case entity.TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return n, nil
	case entity.TypeFloat:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return n, nil
	case entity.TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return b, nil
	case entity.TypeTime:
		t, err := DecodeTime(s)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return t, nil
	case entity.TypeJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("field %s: unknown type %q", f.Name, f.Type)
	}
}

// decodeSystem converts a stored system-column value to its Go form.
func decodeSystem(name string, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("column %s: value is %T, want TEXT", name, raw)
	}
	switch name {
	case "created_at", "updated_at", "deleted_at":
		t, err := DecodeTime(s)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		return t, nil
	default:
		return s, nil
	}
}

// encodeSystem converts a system-column Go value to its stored form.
func encodeSystem(name string, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case time.Time:
		return EncodeTime(val), nil
	default:
		return nil, fmt.Errorf("column %s: unsupported value %T", name, v)
	}
}
