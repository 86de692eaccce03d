package kestrel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type enumerates the scalar types a cell in a result table can hold.
// Every value crossing a package boundary is normalized to one of these
// so that fingerprinting, comparison, and native-query rendering see a
// single representation regardless of which backend produced the value.
type Type int

const (
	TypeNull Type = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	}
	return fmt.Sprintf("type-%d", int(t))
}

// TypeOf reports the scalar type of a normalized value.  Callers should
// pass values through Normalize first; unnormalized numeric widths map
// to their wide type anyway so TypeOf is safe on raw decoder output.
func TypeOf(v any) Type {
	switch v.(type) {
	case nil:
		return TypeNull
	case string, []byte:
		return TypeString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeTime
	}
	return TypeString
}

// Normalize collapses the zoo of widths Go decoders emit into the
// canonical in-memory forms: int64, float64, string, bool, time.Time.
// Unknown types are stringified so they remain printable and hashable.
func Normalize(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case time.Time:
		return v.UTC()
	}
	return fmt.Sprint(v)
}

// FormatValue renders a normalized value for display tables and log
// fields.  Times print as RFC 3339 UTC and nil prints empty so column
// output stays aligned.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// CompareValues imposes a total order over normalized values: nulls
// first, then by value within a type, with int64 and float64 compared
// numerically across the two types.  Mixed non-numeric types fall back
// to ordering their printed forms so sorts stay deterministic.
func CompareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		case float64:
			return compareFloat(float64(av), bv)
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return compareFloat(av, float64(bv))
		case float64:
			return compareFloat(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case !av && bv:
				return -1
			case av && !bv:
				return 1
			}
			return 0
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			}
			return 0
		}
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
