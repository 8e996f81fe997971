// Package jsonpath resolves dotted key paths against decoded JSON documents.
//
// Documents are the values produced by encoding/json when decoding into any:
// map[string]any, []any, string, json.Number or float64, bool and nil.
package jsonpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNotScalar = errors.New("value has no string form")

// Extract walks doc along path, one object member per dot separated segment.
// It reports false as soon as a segment is missing or the current value is not
// an object. Empty segments are looked up as literal empty keys.
func Extract(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := obj[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// StringOf returns the textual form of a scalar JSON value. Objects, arrays
// and null have none.
func StringOf(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case nil:
		return "", fmt.Errorf("%w: null", ErrNotScalar)
	default:
		return "", fmt.Errorf("%w: %T", ErrNotScalar, v)
	}
}
