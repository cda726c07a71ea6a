package crypto

import (
	"encoding/json"
	"fmt"
	"io"
)

// Secret holds sensitive bytes and redacts itself when formatted, so keys
// and passwords cannot leak through logs or JSON by accident.
type Secret []byte

// String redacts the secret for fmt.Print* convenience.
func (s Secret) String() string { return "[SECRET]" }

// Format implements fmt.Formatter to ensure `%v`, `%#v` and friends are redacted.
func (s Secret) Format(f fmt.State, c rune) {
	_, _ = io.WriteString(f, "[SECRET]")
}

// MarshalJSON redacts secrets in JSON marshaling.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal("[SECRET]") }

// Bytes returns a copy of the underlying bytes. Callers zero the copy when done.
func (s Secret) Bytes() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// Zero overwrites the underlying byte slice with zeros.
func (s Secret) Zero() { Zeroize(s) }
