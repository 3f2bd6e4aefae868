package infrahub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmill/infrahub-exporter/errors"
)

// fakeInfrahub serves the schema and GraphQL endpoints the client uses.
type fakeInfrahub struct {
	schemas    map[string]any
	graphql    map[string]any // response data document
	gqlErrors  []map[string]any
	queryCount int
	lastQuery  string
	lastToken  string
}

func (f *fakeInfrahub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/schema/", func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Path[len("/api/schema/"):]
		schema, ok := f.schemas[kind]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(schema)
	})
	mux.HandleFunc("/graphql/", func(w http.ResponseWriter, r *http.Request) {
		f.queryCount++
		f.lastToken = r.Header.Get("X-INFRAHUB-KEY")
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastQuery = body.Query

		resp := map[string]any{"data": f.graphql}
		if len(f.gqlErrors) > 0 {
			resp["errors"] = f.gqlErrors
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeInfrahub) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	c := NewHTTPClient(Options{
		Address: srv.URL,
		Token:   "secret",
		Branch:  "main",
		Timeout: 2 * time.Second,
	})
	// Single-attempt retries keep failure tests fast.
	c.retryCfg.MaxAttempts = 1
	return c
}

func deviceSchema() map[string]any {
	return map[string]any{
		"attributes": []map[string]any{{"name": "name"}},
		"relationships": []map[string]any{
			{"name": "site", "peer": "LocationSite", "cardinality": "one"},
			{"name": "interfaces", "peer": "InfraInterface", "cardinality": "many"},
		},
	}
}

func TestExecuteQuerySendsToken(t *testing.T) {
	fake := &fakeInfrahub{graphql: map[string]any{"ok": true}}
	c := newTestClient(t, fake)

	data, err := c.ExecuteQuery(context.Background(), "query { ok }")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, data)
	assert.Equal(t, "secret", fake.lastToken)
}

func TestExecuteQueryErrorPayload(t *testing.T) {
	fake := &fakeInfrahub{
		graphql:   map[string]any{},
		gqlErrors: []map[string]any{{"message": "syntax error"}},
	}
	c := newTestClient(t, fake)

	_, err := c.ExecuteQuery(context.Background(), "query { broken }")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueryFailed)
	assert.True(t, errors.IsTransient(err))
}

func TestAllDecodesNodes(t *testing.T) {
	fake := &fakeInfrahub{
		schemas: map[string]any{"InfraDevice": deviceSchema()},
		graphql: map[string]any{
			"InfraDevice": map[string]any{
				"edges": []any{
					map[string]any{"node": map[string]any{
						"id":   "1",
						"hfid": []any{"rtr1"},
						"name": map[string]any{"value": "rtr1"},
						"site": map[string]any{"node": map[string]any{
							"id": "s1", "hfid": []any{"atl"}, "__typename": "LocationSite",
						}},
						"interfaces": map[string]any{"edges": []any{
							map[string]any{"node": map[string]any{
								"id": "i1", "hfid": []any{"eth0"}, "__typename": "InfraInterface",
							}},
						}},
					}},
				},
			},
		},
	}
	c := newTestClient(t, fake)

	nodes, err := c.All(context.Background(), "InfraDevice", []string{"name", "site", "interfaces"}, "main")
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	node := nodes[0]
	assert.Equal(t, "1", node.ID)
	assert.Equal(t, "InfraDevice(rtr1)", node.HFID())

	val, ok := node.Attribute("name")
	require.True(t, ok)
	assert.Equal(t, "rtr1", val)

	rel, ok := node.SingleRelation("site")
	require.True(t, ok)
	assert.True(t, rel.Initialized())
	require.NotNil(t, rel.Peer())
	assert.Equal(t, "LocationSite(atl)", rel.Peer().HFID())

	mgr, ok := node.MultiRelation("interfaces")
	require.True(t, ok)
	assert.True(t, mgr.Initialized())
	require.Len(t, mgr.Peers(), 1)

	// Inline peers land in the store
	peer, ok := c.Store().Get("s1")
	require.True(t, ok)
	assert.Equal(t, "LocationSite", peer.Kind)
}

func TestAllUnloadedRelation(t *testing.T) {
	fake := &fakeInfrahub{
		schemas: map[string]any{"InfraDevice": deviceSchema()},
		graphql: map[string]any{
			"InfraDevice": map[string]any{
				"edges": []any{
					map[string]any{"node": map[string]any{
						"id":   "1",
						"hfid": []any{"rtr1"},
						"name": map[string]any{"value": "rtr1"},
						"site": nil,
					}},
				},
			},
		},
	}
	c := newTestClient(t, fake)

	nodes, err := c.All(context.Background(), "InfraDevice", []string{"name", "site"}, "main")
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	rel, ok := nodes[0].SingleRelation("site")
	require.True(t, ok)
	assert.False(t, rel.Initialized())
	assert.Nil(t, rel.Peer())
}

func TestAllUnknownKind(t *testing.T) {
	fake := &fakeInfrahub{schemas: map[string]any{}}
	c := newTestClient(t, fake)

	_, err := c.All(context.Background(), "NoSuchKind", nil, "main")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaNotFound)
	assert.True(t, errors.IsInvalid(err))
}

func TestFiltersRenderedIntoQuery(t *testing.T) {
	fake := &fakeInfrahub{
		schemas: map[string]any{"InfraDevice": deviceSchema()},
		graphql: map[string]any{"InfraDevice": map[string]any{"edges": []any{}}},
	}
	c := newTestClient(t, fake)

	_, err := c.Filters(context.Background(), "InfraDevice", []string{"name"}, "main",
		map[string]string{"role__value": "edge"})
	require.NoError(t, err)
	assert.Contains(t, fake.lastQuery, `role__value: "edge"`)
	assert.Contains(t, fake.lastQuery, "name { value }")
}

func TestBuildNodeQueryShapes(t *testing.T) {
	schema := &kindSchema{}
	require.NoError(t, json.Unmarshal(mustJSON(t, deviceSchema()), schema))

	query := buildNodeQuery("InfraDevice", []string{"name", "site", "interfaces"}, nil, schema)
	assert.Contains(t, query, "name { value }")
	assert.Contains(t, query, "site { node { id hfid __typename } }")
	assert.Contains(t, query, "interfaces { edges { node { id hfid __typename } } }")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
