// Package phone normalizes German phone numbers into a single canonical
// +49 representation and classifies them as mobile or landline.
package phone

import (
	"regexp"
	"strings"
)

// CountryCode is the only country prefix accepted by the normalizer.
const CountryCode = "+49"

const (
	minSubscriberDigits = 9
	maxSubscriberDigits = 13
)

// Type classifies a canonical number.
type Type string

const (
	TypeMobile   Type = "mobile"
	TypeLandline Type = "landline"
	TypeUnknown  Type = "unknown"
)

// Reason is the machine-checkable cause of a rejected number.
type Reason string

const (
	ReasonEmpty        Reason = "empty"
	ReasonNotGerman    Reason = "not_german"
	ReasonMalformed    Reason = "malformed"
	ReasonTrunkPrefix  Reason = "trunk_prefix"
	ReasonLength       Reason = "length"
	ReasonInvalidChars Reason = "invalid_chars"
)

// Message returns a human readable description of the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonEmpty:
		return "phone number is empty after cleaning"
	case ReasonNotGerman:
		return "not a German phone number (must start with +49, 0049, or 0)"
	case ReasonMalformed:
		return "malformed phone number (must start with +49, 0049, or 0)"
	case ReasonTrunkPrefix:
		return "invalid trunk prefix (0) after country code"
	case ReasonLength:
		return "invalid length: expected 9-13 digits after country code"
	case ReasonInvalidChars:
		return "phone number contains invalid characters"
	default:
		return string(r)
	}
}

var (
	canonicalPattern = regexp.MustCompile(`^\+49[1-9]\d{8,12}$`)
	mobilePrefixes   = []string{"15", "16", "17"}
)

// Number is the result of a normalization. A valid Number always carries a
// canonical string matching ^\+49[1-9]\d{8,12}$; an invalid one carries none.
type Number struct {
	Raw            string `json:"-"`
	Canonical      string `json:"canonical,omitempty"`
	CountryCode    string `json:"country_code,omitempty"`
	NationalNumber string `json:"national_number,omitempty"`
	Type           Type   `json:"type"`
	Valid          bool   `json:"valid"`
	Reason         Reason `json:"reason,omitempty"`
}

// String returns the canonical form, or "invalid".
func (n Number) String() string {
	if !n.Valid {
		return "invalid"
	}
	return n.Canonical
}

// Redacted masks the middle digits of the canonical number.
func (n Number) Redacted() string {
	if !n.Valid {
		return "invalid"
	}
	c := n.Canonical
	if len(c) <= 7 {
		return c
	}
	return c[:5] + strings.Repeat("*", len(c)-7) + c[len(c)-2:]
}

// IsCanonical reports whether s already is a canonical German number.
func IsCanonical(s string) bool {
	return canonicalPattern.MatchString(s)
}

// Normalize parses raw into a canonical German number. It never panics and
// reports every rejection through Number.Reason.
func Normalize(raw string) Number {
	cleaned := clean(strings.ReplaceAll(raw, "(0)", ""))
	if cleaned == "" {
		return invalid(raw, ReasonEmpty)
	}

	var subscriber string
	switch {
	case strings.HasPrefix(cleaned, CountryCode):
		subscriber = cleaned[len(CountryCode):]
	case strings.HasPrefix(cleaned, "0049"):
		subscriber = cleaned[4:]
	case strings.HasPrefix(cleaned, "0"):
		subscriber = cleaned[1:]
	case strings.HasPrefix(cleaned, "+"):
		return invalid(raw, ReasonNotGerman)
	default:
		return invalid(raw, ReasonMalformed)
	}

	if strings.HasPrefix(subscriber, "0") {
		return invalid(raw, ReasonTrunkPrefix)
	}
	if len(subscriber) < minSubscriberDigits || len(subscriber) > maxSubscriberDigits {
		return invalid(raw, ReasonLength)
	}
	if !allDigits(subscriber) {
		return invalid(raw, ReasonInvalidChars)
	}

	return Number{
		Raw:            raw,
		Canonical:      CountryCode + subscriber,
		CountryCode:    CountryCode,
		NationalNumber: subscriber,
		Type:           classify(subscriber),
		Valid:          true,
	}
}

// clean keeps digits and '+'. A '+' past the country code is rejected later
// as an invalid character.
func clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func classify(subscriber string) Type {
	for _, p := range mobilePrefixes {
		if strings.HasPrefix(subscriber, p) {
			return TypeMobile
		}
	}
	return TypeLandline
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func invalid(raw string, reason Reason) Number {
	return Number{Raw: raw, Type: TypeUnknown, Reason: reason}
}
