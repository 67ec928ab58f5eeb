// Package deviceid canonicalizes externally supplied device identifiers.
//
// Devices and operators spell the same identifier in different ways
// ("  Device-001 ", "device-001", "DEVICE_001"). Normalize maps all of them
// to a single canonical key so that stored commands and live sessions always
// agree on which device they belong to.
//
// # Canonical Form
//
// The raw input is NFKC-normalized and split into tokens, where a token is a
// maximal run of letters, digits and combining marks. Tokens are joined with
// a single hyphen and upper-cased:
//
//	"  Device-001 "  -> "DEVICE-001"
//	"device_001"     -> "DEVICE-001"
//	"a1"             -> "A1"
//	"ab:cd:ef"       -> "AB-CD-EF"
//
// Normalize is pure and idempotent: Normalize(Normalize(x)) == Normalize(x).
package deviceid

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// MaxLength is the maximum length of a canonical ID in bytes.
const MaxLength = 128

// Separator joins the tokens of a canonical ID.
const Separator = "-"

// ErrInvalid indicates the raw identifier cannot be normalized.
var ErrInvalid = errors.New("invalid device id")

// ID is a canonical device identifier.
type ID string

// String returns the ID as a plain string.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the ID is empty.
func (id ID) IsZero() bool {
	return id == ""
}

// Normalize canonicalizes a raw device identifier.
// Returns an error wrapping ErrInvalid for empty, whitespace-only or
// token-less input, and for identifiers longer than MaxLength.
func Normalize(raw string) (ID, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}

	upper := cases.Upper(language.Und)
	s := norm.NFKC.String(upper.String(norm.NFKC.String(raw)))

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !isTokenRune(r)
	})

	kept := tokens[:0]
	for _, tok := range tokens {
		if hasLetterOrDigit(tok) {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: no letters or digits in %q", ErrInvalid, raw)
	}

	id := strings.Join(kept, Separator)
	if len(id) > MaxLength {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalid, len(id), MaxLength)
	}
	return ID(id), nil
}

// MustNormalize is like Normalize but panics on invalid input.
// Intended for constants and tests.
func MustNormalize(raw string) ID {
	id, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Equal reports whether two raw identifiers name the same device.
// Invalid identifiers are never equal to anything.
func Equal(a, b string) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return na == nb
}

func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsNumber(r) || unicode.Is(unicode.M, r)
}

func hasLetterOrDigit(tok string) bool {
	for _, r := range tok {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}
