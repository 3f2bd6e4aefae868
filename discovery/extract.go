package discovery

import (
	"strconv"
	"strings"
)

// ExtractField resolves a dot-path expression against a query-result node.
// A segment suffixed [] denotes an array or connection field. The second
// return value distinguishes "missing" from a present-but-empty string.
func ExtractField(node map[string]any, pathExpr string) (string, bool) {
	parts := strings.Split(pathExpr, ".")
	var current any = node

	for _, part := range parts {
		// Array segments resolve immediately to a joined string
		if arrField, ok := strings.CutSuffix(part, "[]"); ok {
			mapping, ok := current.(map[string]any)
			if !ok {
				return "", false
			}
			return extractArray(mapping[arrField])
		}

		mapping, ok := current.(map[string]any)
		if !ok {
			return "", false
		}

		next, ok := mapping[part]
		if !ok {
			// Query-result edges wrap their content in a node mapping
			if nested, isNode := mapping["node"].(map[string]any); isNode {
				next, ok = nested[part]
			}
		}
		if !ok || next == nil {
			return "", false
		}
		current = next
	}

	return extractTerminal(current)
}

// extractArray joins the values found in a connection or plain sequence.
// Connections yield each edge node's name.value leaf; plain sequences yield
// each scalar element or its value leaf.
func extractArray(arr any) (string, bool) {
	var values []string

	switch typed := arr.(type) {
	case map[string]any:
		edges, ok := typed["edges"].([]any)
		if !ok {
			return "", false
		}
		for _, edge := range edges {
			edgeMap, ok := edge.(map[string]any)
			if !ok {
				continue
			}
			node, ok := edgeMap["node"].(map[string]any)
			if !ok {
				continue
			}
			name, ok := node["name"].(map[string]any)
			if !ok {
				continue
			}
			if val, ok := name["value"]; ok && val != nil {
				values = append(values, stringify(val))
			}
		}
	case []any:
		for _, item := range typed {
			switch elem := item.(type) {
			case map[string]any:
				if val, ok := elem["value"]; ok {
					values = append(values, stringify(val))
				}
			case string, bool, float64, int:
				values = append(values, stringify(elem))
			}
		}
	default:
		return "", false
	}

	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ","), true
}

// extractTerminal stringifies the final value of a walk: a mapping with a
// value leaf, or a bare scalar.
func extractTerminal(current any) (string, bool) {
	switch typed := current.(type) {
	case map[string]any:
		val, ok := typed["value"]
		if !ok {
			return "", false
		}
		return stringify(val), true
	case string, bool, float64, int:
		return stringify(typed), true
	default:
		return "", false
	}
}

func stringify(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	default:
		return ""
	}
}
