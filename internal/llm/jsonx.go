package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Model output is not contract-stable: the JSON we asked for may arrive raw,
// wrapped in a fenced code block, or embedded in prose. DecodeLoose recovers
// the payload in that order of preference.

var errNoJSON = errors.New("no JSON payload found in model output")

var fencedBlock = regexp.MustCompile("(?is)```(?:json)?\\s*\\n?(.*?)\\n?```")

// DecodeLoose unmarshals the first recoverable JSON value in raw into v.
func DecodeLoose(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), v); err == nil {
			return nil
		}
	}
	// An unterminated fence still counts: take everything after the opener.
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimSpace(strings.TrimSuffix(rest, "```"))
		if err := json.Unmarshal([]byte(rest), v); err == nil {
			return nil
		}
	}
	if s := largestSpan(raw, '{', '}'); s != "" {
		if err := json.Unmarshal([]byte(s), v); err == nil {
			return nil
		}
	}
	if s := largestSpan(raw, '[', ']'); s != "" {
		if err := json.Unmarshal([]byte(s), v); err == nil {
			return nil
		}
	}
	return errNoJSON
}

// largestSpan returns the widest substring from the first open bracket to the
// last close bracket, the most likely span to hold the complete value.
func largestSpan(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
