package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Numbers keep their literal text.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("cannot normalize reply: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("cannot normalize reply: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
