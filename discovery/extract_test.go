package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFieldValueLeaf(t *testing.T) {
	node := map[string]any{
		"ip": map[string]any{"value": "10.0.0.1"},
	}

	value, ok := ExtractField(node, "ip")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", value)
}

func TestExtractFieldNestedPath(t *testing.T) {
	node := map[string]any{
		"primary_address": map[string]any{
			"node": map[string]any{
				"address": map[string]any{"value": "10.0.0.1/32"},
			},
		},
	}

	value, ok := ExtractField(node, "primary_address.address")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1/32", value)
}

func TestExtractFieldConnectionArray(t *testing.T) {
	node := map[string]any{
		"a": map[string]any{
			"edges": []any{
				map[string]any{"node": map[string]any{"name": map[string]any{"value": "x"}}},
			},
		},
	}

	value, ok := ExtractField(node, "a[]")
	require.True(t, ok)
	assert.Equal(t, "x", value)
}

func TestExtractFieldConnectionArrayJoins(t *testing.T) {
	node := map[string]any{
		"tags": map[string]any{
			"edges": []any{
				map[string]any{"node": map[string]any{"name": map[string]any{"value": "x"}}},
				map[string]any{"node": map[string]any{"name": map[string]any{"value": "y"}}},
			},
		},
	}

	value, ok := ExtractField(node, "tags[]")
	require.True(t, ok)
	assert.Equal(t, "x,y", value)
}

func TestExtractFieldPlainListScalars(t *testing.T) {
	node := map[string]any{
		"roles": []any{"edge", "core"},
	}

	value, ok := ExtractField(node, "roles[]")
	require.True(t, ok)
	assert.Equal(t, "edge,core", value)
}

func TestExtractFieldPlainListValueLeaves(t *testing.T) {
	node := map[string]any{
		"ports": []any{
			map[string]any{"value": float64(22)},
			map[string]any{"value": float64(443)},
		},
	}

	value, ok := ExtractField(node, "ports[]")
	require.True(t, ok)
	assert.Equal(t, "22,443", value)
}

func TestExtractFieldBareScalar(t *testing.T) {
	node := map[string]any{"id": "abc-123"}

	value, ok := ExtractField(node, "id")
	require.True(t, ok)
	assert.Equal(t, "abc-123", value)
}

func TestExtractFieldScalarTypes(t *testing.T) {
	node := map[string]any{
		"enabled": map[string]any{"value": true},
		"port":    map[string]any{"value": float64(8080)},
		"weight":  map[string]any{"value": 1.5},
	}

	value, ok := ExtractField(node, "enabled")
	require.True(t, ok)
	assert.Equal(t, "true", value)

	value, ok = ExtractField(node, "port")
	require.True(t, ok)
	assert.Equal(t, "8080", value)

	value, ok = ExtractField(node, "weight")
	require.True(t, ok)
	assert.Equal(t, "1.5", value)
}

func TestExtractFieldMissing(t *testing.T) {
	node := map[string]any{
		"ip":   map[string]any{"value": "10.0.0.1"},
		"site": map[string]any{"node": nil},
	}

	_, ok := ExtractField(node, "hostname")
	assert.False(t, ok)

	_, ok = ExtractField(node, "ip.missing")
	assert.False(t, ok)

	_, ok = ExtractField(node, "site.name")
	assert.False(t, ok)
}

func TestExtractFieldNilValue(t *testing.T) {
	node := map[string]any{
		"description": map[string]any{"value": nil},
	}

	value, ok := ExtractField(node, "description")
	require.True(t, ok)
	assert.Equal(t, "", value)
}

func TestExtractFieldEmptyConnection(t *testing.T) {
	node := map[string]any{
		"tags": map[string]any{"edges": []any{}},
	}

	_, ok := ExtractField(node, "tags[]")
	assert.False(t, ok)
}
