package validation

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
	ErrLocationEmpty = errors.New("location is required")
	// ErrLocationTooShort is returned when location has too few runes to be looked up.
	ErrLocationTooShort = errors.New("location too short")
	// ErrLocationTooLong is returned when location length exceeds the maximum.
	ErrLocationTooLong = errors.New("location too long")
	// ErrLocationInvalidChars is returned when location contains disallowed characters.
	ErrLocationInvalidChars = errors.New("location contains invalid characters")
)

// NormalizeLocation trims the input and collapses runs of whitespace to a single space.
func NormalizeLocation(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// ValidateLocation normalizes the input and enforces length bounds (minLen, maxLen in runes;
// zero disables a bound). Allowed characters are Unicode letters and marks (Devanagari and
// other Indic scripts need combining marks), digits, space, comma, period, apostrophe and hyphen.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := NormalizeLocation(input)
	n := len([]rune(s))
	switch {
	case n == 0:
		return "", ErrLocationEmpty
	case minLen > 0 && n < minLen:
		return "", ErrLocationTooShort
	case maxLen > 0 && n > maxLen:
		return "", ErrLocationTooLong
	}
	for _, c := range s {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '.', '\'', '-':
		return true
	}
	return false
}
