package processor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON pulls a single JSON value out of a model's free-form text
// response. Responses commonly wrap JSON in a fenced code block or pad it
// with prose before/after; this looks for a fenced ```json block first,
// then falls back to the first balanced {...} or [...] span in the text.
func extractJSON(response string) (string, error) {
	if fenced, ok := extractFencedJSON(response); ok {
		return fenced, nil
	}
	if span, ok := extractBalancedSpan(response); ok {
		return span, nil
	}
	return "", fmt.Errorf("processor: no JSON object or array found in response")
}

func extractFencedJSON(response string) (string, bool) {
	const openMarker = "```json"
	start := strings.Index(response, openMarker)
	if start == -1 {
		start = strings.Index(response, "```")
		if start == -1 {
			return "", false
		}
		start += len("```")
	} else {
		start += len(openMarker)
	}
	rest := response[start:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	candidate := strings.TrimSpace(rest[:end])
	if candidate == "" {
		return "", false
	}
	return candidate, true
}

// extractBalancedSpan scans for the first top-level '{' or '[' and returns
// the text up to its matching close, tolerating braces embedded in quoted
// strings so it doesn't stop early on a brace that appears inside a value.
func extractBalancedSpan(response string) (string, bool) {
	startIdx := -1
	var open, close byte
	for i := 0; i < len(response); i++ {
		switch response[i] {
		case '{':
			startIdx, open, close = i, '{', '}'
		case '[':
			startIdx, open, close = i, '[', ']'
		}
		if startIdx != -1 {
			break
		}
	}
	if startIdx == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := startIdx; i < len(response); i++ {
		c := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return response[startIdx : i+1], true
			}
		}
	}
	return "", false
}

// parseJSON unmarshals a JSON document into either a map (single object) or
// a slice of maps (array of objects). Scalars and arrays of non-object
// values are rejected: content generation always inserts rows, and a row
// must be a JSON object.
func parseJSON(jsonStr string) ([]map[string]any, error) {
	var raw any
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("processor: invalid JSON: %w", err)
	}

	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, el := range v {
			obj, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("processor: array element is not a JSON object")
			}
			items = append(items, obj)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("processor: extracted JSON must be an object or array of objects, got %T", raw)
	}
}
