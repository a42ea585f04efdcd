package config

import "strings"

// Secret holds a credential loaded from config or environment. Every
// rendering path redacts it; only Value hands out the raw string, and only
// the signing code should call that.
type Secret string

const redacted = "[REDACTED]"

// Value returns the raw secret for request signing.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was provided at all.
func (s Secret) IsSet() bool { return s != "" }

// Fingerprint renders enough of the key to tell credentials apart in logs
// without exposing them: first and last four characters for anything long
// enough, stars otherwise.
func (s Secret) Fingerprint() string {
	raw := string(s)
	if len(raw) <= 8 {
		return strings.Repeat("*", len(raw))
	}
	return raw[:4] + strings.Repeat("*", len(raw)-8) + raw[len(raw)-4:]
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v output redacted.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

// MarshalYAML keeps config dumps redacted.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

// MarshalJSON keeps JSON encodings redacted.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
