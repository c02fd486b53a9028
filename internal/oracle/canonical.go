package oracle

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"raffle/internal/apperr"
)

// Canonicalize parses raw and renders the value as compact JSON with object
// keys sorted at every level and string escapes normalized, so equal values
// from independent calls compare byte-for-byte. Numbers keep their literal
// form.
func Canonicalize(raw json.RawMessage) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", apperr.New(apperr.CodeOracle, "oracle returned invalid JSON")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", apperr.Wrap(apperr.CodeOracle, "oracle returned invalid JSON", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", apperr.Wrap(apperr.CodeOracle, "encode canonical JSON", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// extractJSON strips a surrounding markdown code fence, which some models add
// even in JSON mode.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
