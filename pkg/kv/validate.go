package kv

import (
	"math"
	"reflect"

	"golang.org/x/text/unicode/norm"

	"github.com/birchdb/birch/pkg/codec"
)

// maxKeyLength is the code-point bound on keys.
const maxKeyLength = 256

const forbiddenKeyChars = `"';\/`

// validateKey enforces key constraints: non-empty, NFC normalized,
// ≤ 256 code points, and free of quotes, semicolons, backslashes,
// forward slashes, NUL, C0/DEL control characters, and non-character
// code points.
func validateKey(key string) error {
	if key == "" {
		return invalidKey("key must not be empty")
	}
	if !norm.NFC.IsNormalString(key) {
		return invalidKey("key must be in NFC normalized form")
	}
	runes := []rune(key)
	if len(runes) > maxKeyLength {
		return invalidKey("key exceeds the 256 code point limit")
	}
	for _, r := range runes {
		if err := validateKeyRune(r); err != nil {
			return err
		}
	}
	return nil
}

func validateKeyRune(r rune) error {
	switch {
	case containsRune(forbiddenKeyChars, r):
		return invalidKey("key contains a forbidden character")
	case r <= 0x1F || r == 0x7F:
		return invalidKey("key contains a control character")
	case r >= 0xFDD0 && r <= 0xFDEF:
		return invalidKey("key contains a non-character code point")
	case r&0xFFFE == 0xFFFE:
		return invalidKey("key contains a non-character code point")
	}
	return nil
}

func containsRune(set string, r rune) bool {
	for _, c := range set {
		if c == r {
			return true
		}
	}
	return false
}

// validateValue enforces value constraints: it must be something the
// codec can encode (no callables, symbolic tokens, or cycles) and must
// not be the Undefined sentinel at the top level, since "store
// undefined" is indistinguishable from "store nothing".
func validateValue(value any) error {
	if value == codec.Undefined {
		return invalidValue("value must not be undefined")
	}
	if err := codec.IsSerializable(value); err != nil {
		return invalidValue(err.Error())
	}
	return nil
}

// validateNumber enforces the add/subtract precondition: the current
// value (if any) must already be a finite number, since add and
// subtract are defined only over numbers.
func validateNumber(v any) (float64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, invalidNumber("value is not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidNumber("value is not a finite number")
	}
	return f, nil
}

// validateArray enforces the push/pull precondition: the current value
// (if any) must already be an array.
func validateArray(v any) ([]any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, notArray("value is not an array")
	}
	return arr, nil
}

// isUndefined reports whether v is the codec's Undefined sentinel, which
// is what an absent key reads as; the façade uses it to tell an absent
// key from a present one.
func isUndefined(v any) bool {
	return v == codec.Undefined
}

// deepEqual is used by the Store's value comparisons (Pull's element
// match among them) so a stored []any/map[string]any document compares
// by value, not identity.
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
