package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Payload is an opaque, JSON-compatible map carried by intents, events and
// artifacts. The runtime never interprets its contents.
type Payload map[string]any

// Clone returns a deep copy of the payload via a JSON round trip.
// Returns an empty payload for nil input.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		out := make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out Payload
	if err := DecodePayload(data, &out); err != nil {
		return Payload{}
	}
	return out
}

// Canonical encodes v as RFC 8785 canonical JSON.
//
// Strings (including map keys) are NFC-normalised first so visually identical
// identifiers hash identically. Numbers are preserved through json.Number.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	var generic any
	if err := decodeUseNumber(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	normalized, err := json.Marshal(normalizeNFC(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical: re-marshal: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// CanonicalString is Canonical returning a string, the form stored in TEXT columns.
func CanonicalString(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodePayload parses JSON into target, keeping integers exact via json.Number.
func DecodePayload(data []byte, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return decodeUseNumber(data, target)
}

func decodeUseNumber(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(target)
}

// normalizeNFC walks a decoded JSON value and NFC-normalises every string.
func normalizeNFC(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeNFC(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalizeNFC(elem)
		}
		return out
	default:
		return val
	}
}

// NormalizeID NFC-normalises an identifier.
// Tenant, session and intent identifiers pass through here before storage.
func NormalizeID(s string) string {
	return norm.NFC.String(s)
}
