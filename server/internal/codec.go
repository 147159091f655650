// Package internal holds the wire-opaque types dex hands back to OAuth2
// clients as bearer strings (refresh tokens, ID-token subjects) along with
// the codec that turns them into URL-safe opaque strings.
package internal

import (
	"encoding/base64"
	"encoding/json"
)

// Marshal encodes v as a URL-legal opaque string.
func Marshal(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Unmarshal decodes an opaque string produced by Marshal into v.
func Unmarshal(s string, v interface{}) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// idTokenSubjectAlias breaks the recursion UnmarshalJSON would otherwise
// cause by calling back into itself via json.Unmarshal.
type idTokenSubjectAlias IDTokenSubject

// UnmarshalJSON unmarshals the subject claim's opaque wire format: the
// claim value is a plain JSON string holding the value Marshal produced.
func (s *IDTokenSubject) UnmarshalJSON(src []byte) error {
	var sub string
	if err := json.Unmarshal(src, &sub); err != nil {
		return err
	}
	return Unmarshal(sub, (*idTokenSubjectAlias)(s))
}
