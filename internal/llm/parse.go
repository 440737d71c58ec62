package llm

import (
	"encoding/json"
	"strings"
)

// Unwrap strips code fences and incidental prose around a JSON value in raw model output.
func Unwrap(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// Drop the info string (```json).
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" || s[0] == '{' || s[0] == '[' {
		return s
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// dropNulls removes null object members so optional fields the model
// emitted as null are treated as absent.
func dropNulls(content []byte) ([]byte, error) {
	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	return json.Marshal(pruneNulls(data))
}

func pruneNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			t[k] = pruneNulls(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = pruneNulls(val)
		}
		return t
	default:
		return v
	}
}
