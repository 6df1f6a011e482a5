package crypto

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	cardNumberPattern = regexp.MustCompile(`\b(?:\d{4}[-\s]){3}\d{4}\b|\b\d{16}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`)
)

// DataProtector layers field-selective encryption over map payloads. Only the
// named fields are transformed; everything else passes through unchanged.
type DataProtector struct {
	cipher *Cipher
}

// NewDataProtector creates a protector backed by the given cipher.
func NewDataProtector(cipher *Cipher) *DataProtector {
	return &DataProtector{cipher: cipher}
}

// EncryptFields returns a copy of data with each listed field encrypted.
// Non-string field values are serialized to JSON first so they survive the
// round trip through DecryptFields.
func (dp *DataProtector) EncryptFields(data map[string]any, fields []string) (map[string]any, error) {
	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}

	for _, field := range fields {
		v, ok := result[field]
		if !ok || v == nil {
			continue
		}
		var err error
		switch t := v.(type) {
		case string:
			result[field], err = dp.cipher.EncryptString(t)
		default:
			result[field], err = dp.cipher.EncryptJSON(t)
		}
		if err != nil {
			return nil, fmt.Errorf("encrypt field %q: %w", field, err)
		}
	}

	return result, nil
}

// DecryptFields returns a copy of data with each listed field decrypted.
// Decrypted values that parse as JSON are returned in structured form,
// otherwise as plain strings. A field that fails to decrypt is set to nil
// rather than left holding ciphertext.
func (dp *DataProtector) DecryptFields(data map[string]any, fields []string) map[string]any {
	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}

	for _, field := range fields {
		v, ok := result[field]
		if !ok || v == nil {
			continue
		}
		ciphertext, ok := v.(string)
		if !ok {
			continue
		}
		plaintext, err := dp.cipher.Decrypt(ciphertext)
		if err != nil {
			result[field] = nil
			continue
		}
		var structured any
		if json.Unmarshal(plaintext, &structured) == nil {
			result[field] = structured
		} else {
			result[field] = string(plaintext)
		}
	}

	return result
}

// MaskPII redacts card numbers and national id numbers from text. Masking is
// heuristic and one-way; it is not a substitute for encryption.
func (dp *DataProtector) MaskPII(text string) string {
	mask := func(m string) string { return strings.Repeat("*", len(m)) }
	masked := cardNumberPattern.ReplaceAllStringFunc(text, mask)
	return ssnPattern.ReplaceAllStringFunc(masked, mask)
}
