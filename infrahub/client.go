// Package infrahub implements the client boundary to the Infrahub graph
// backend: raw GraphQL execution plus typed node fetches for configured
// kinds. Field classification (scalar vs relation) is resolved once from
// the backend schema, not probed per value.
package infrahub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsmill/infrahub-exporter/errors"
	"github.com/opsmill/infrahub-exporter/pkg/retry"
)

// Client is the capability consumed by the exporter and discovery layers.
type Client interface {
	// ExecuteQuery runs a raw GraphQL query and returns the data document.
	ExecuteQuery(ctx context.Context, query string) (map[string]any, error)
	// All fetches every node of a kind with the given include fields.
	All(ctx context.Context, kind string, include []string, branch string) ([]*Node, error)
	// Filters fetches nodes of a kind matching the given filter constraints.
	Filters(ctx context.Context, kind string, include []string, branch string, filters map[string]string) ([]*Node, error)
	// Store exposes the process-local cache of fetched nodes.
	Store() *NodeStore
}

// Options configures the HTTP client.
type Options struct {
	Address string
	Token   string
	Branch  string
	Timeout time.Duration
}

// HTTPClient talks to Infrahub over its GraphQL and schema APIs.
type HTTPClient struct {
	address string
	token   string
	branch  string
	http    *http.Client
	store   *NodeStore

	schemaMu sync.RWMutex
	schemas  map[string]*kindSchema

	retryCfg retry.Config
}

// NewHTTPClient creates a client for the given Infrahub instance.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	return &HTTPClient{
		address:  strings.TrimRight(opts.Address, "/"),
		token:    opts.Token,
		branch:   opts.Branch,
		http:     &http.Client{Timeout: opts.Timeout},
		store:    NewNodeStore(),
		schemas:  make(map[string]*kindSchema),
		retryCfg: retry.DefaultConfig(),
	}
}

// Store returns the process-local node cache.
func (c *HTTPClient) Store() *NodeStore {
	return c.store
}

// graphqlResponse is the wire shape of a GraphQL response.
type graphqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ExecuteQuery posts a raw GraphQL query against the configured branch.
// An error payload in the response maps to ErrQueryFailed.
func (c *HTTPClient) ExecuteQuery(ctx context.Context, query string) (map[string]any, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, errors.WrapInvalid(err, "HTTPClient", "ExecuteQuery", "encode query")
	}

	endpoint := fmt.Sprintf("%s/graphql/%s", c.address, url.PathEscape(c.branch))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "HTTPClient", "ExecuteQuery", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-INFRAHUB-KEY", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "HTTPClient", "ExecuteQuery", "post query")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTransient(err, "HTTPClient", "ExecuteQuery", "read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.WrapFatal(errors.ErrUnauthorized, "HTTPClient", "ExecuteQuery", "authenticate")
	case resp.StatusCode >= 400:
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrQueryFailed, resp.StatusCode),
			"HTTPClient", "ExecuteQuery", "post query")
	}

	var decoded graphqlResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.WrapTransient(err, "HTTPClient", "ExecuteQuery", "decode response")
	}
	if len(decoded.Errors) > 0 {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrQueryFailed, decoded.Errors[0].Message),
			"HTTPClient", "ExecuteQuery", "evaluate query")
	}
	if decoded.Data == nil {
		return map[string]any{}, nil
	}
	return decoded.Data, nil
}

// All fetches every node of a kind.
func (c *HTTPClient) All(ctx context.Context, kind string, include []string, branch string) ([]*Node, error) {
	return c.fetchNodes(ctx, kind, include, branch, nil)
}

// Filters fetches nodes of a kind matching the given constraints.
func (c *HTTPClient) Filters(ctx context.Context, kind string, include []string, branch string, filters map[string]string) ([]*Node, error) {
	return c.fetchNodes(ctx, kind, include, branch, filters)
}

func (c *HTTPClient) fetchNodes(
	ctx context.Context, kind string, include []string, branch string, filters map[string]string,
) ([]*Node, error) {
	schema, err := c.kindSchema(ctx, kind, branch)
	if err != nil {
		return nil, err
	}

	query := buildNodeQuery(kind, include, filters, schema)
	data, err := retry.DoWithResult(ctx, c.retryCfg, func() (map[string]any, error) {
		d, execErr := c.ExecuteQuery(ctx, query)
		if execErr != nil && errors.IsFatal(execErr) {
			return nil, retry.NonRetryable(execErr)
		}
		return d, execErr
	})
	if err != nil {
		return nil, err
	}

	return c.decodeNodes(kind, include, data, schema), nil
}

// kindSchema returns the cached schema for a kind, fetching it on first use.
// An unknown kind maps to ErrSchemaNotFound.
func (c *HTTPClient) kindSchema(ctx context.Context, kind, branch string) (*kindSchema, error) {
	c.schemaMu.RLock()
	cached, ok := c.schemas[kind]
	c.schemaMu.RUnlock()
	if ok {
		return cached, nil
	}

	if branch == "" {
		branch = c.branch
	}
	endpoint := fmt.Sprintf("%s/api/schema/%s?branch=%s", c.address, url.PathEscape(kind), url.QueryEscape(branch))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "HTTPClient", "kindSchema", "build request")
	}
	if c.token != "" {
		req.Header.Set("X-INFRAHUB-KEY", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "HTTPClient", "kindSchema", "fetch schema")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrSchemaNotFound, kind),
			"HTTPClient", "kindSchema", "fetch schema")
	case resp.StatusCode >= 400:
		return nil, errors.WrapTransient(
			fmt.Errorf("schema fetch returned status %d", resp.StatusCode),
			"HTTPClient", "kindSchema", "fetch schema")
	}

	var decoded kindSchema
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.WrapTransient(err, "HTTPClient", "kindSchema", "decode schema")
	}

	c.schemaMu.Lock()
	c.schemas[kind] = &decoded
	c.schemaMu.Unlock()
	slog.Debug("Cached schema for kind", "kind", kind,
		"attributes", len(decoded.Attributes), "relationships", len(decoded.Relationships))
	return &decoded, nil
}

// kindSchema is the subset of the Infrahub schema API the exporter needs.
type kindSchema struct {
	Attributes []struct {
		Name string `json:"name"`
	} `json:"attributes"`
	Relationships []struct {
		Name        string `json:"name"`
		Peer        string `json:"peer"`
		Cardinality string `json:"cardinality"` // "one" or "many"
	} `json:"relationships"`
}

// fieldType classifies an include field against the schema. Unknown names
// default to scalar so a typo surfaces as an empty label, not a panic.
func (s *kindSchema) fieldType(name string) FieldType {
	for _, rel := range s.Relationships {
		if rel.Name == name {
			if rel.Cardinality == "many" {
				return FieldMultiRelation
			}
			return FieldSingleRelation
		}
	}
	return FieldScalar
}

func (s *kindSchema) peerKind(name string) string {
	for _, rel := range s.Relationships {
		if rel.Name == name {
			return rel.Peer
		}
	}
	return ""
}

// buildNodeQuery renders the GraphQL document for one kind fetch.
func buildNodeQuery(kind string, include []string, filters map[string]string, schema *kindSchema) string {
	var sb strings.Builder
	sb.WriteString("query {\n  ")
	sb.WriteString(kind)

	if len(filters) > 0 {
		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("(")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %q", k, filters[k])
		}
		sb.WriteString(")")
	}

	sb.WriteString(" {\n    edges {\n      node {\n        id\n        hfid\n")
	for _, field := range include {
		switch schema.fieldType(field) {
		case FieldSingleRelation:
			fmt.Fprintf(&sb, "        %s { node { id hfid __typename } }\n", field)
		case FieldMultiRelation:
			fmt.Fprintf(&sb, "        %s { edges { node { id hfid __typename } } }\n", field)
		default:
			fmt.Fprintf(&sb, "        %s { value }\n", field)
		}
	}
	sb.WriteString("      }\n    }\n  }\n}")
	return sb.String()
}

// decodeNodes converts a query-result document into typed nodes. Peer nodes
// returned inline are placed in the store so relationship resolution can
// avoid refetching them.
func (c *HTTPClient) decodeNodes(kind string, include []string, data map[string]any, schema *kindSchema) []*Node {
	block, ok := data[kind].(map[string]any)
	if !ok {
		return nil
	}
	edges, ok := block["edges"].([]any)
	if !ok {
		return nil
	}

	nodes := make([]*Node, 0, len(edges))
	for _, edge := range edges {
		edgeMap, ok := edge.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := edgeMap["node"].(map[string]any)
		if !ok {
			continue
		}

		node := NewNode(kind, stringValue(raw["id"]), stringList(raw["hfid"]))
		for _, field := range include {
			switch schema.fieldType(field) {
			case FieldSingleRelation:
				node.SetSingleRelation(field, c.decodeSingleRelation(raw[field], schema.peerKind(field)))
			case FieldMultiRelation:
				node.SetMultiRelation(field, c.decodeMultiRelation(raw[field], schema.peerKind(field)))
			default:
				node.SetAttribute(field, scalarValue(raw[field]))
			}
		}
		c.store.Set(node)
		nodes = append(nodes, node)
	}
	return nodes
}

// decodeSingleRelation builds a handle for a single-cardinality relation.
// A null or absent relation block means the query never loaded it.
func (c *HTTPClient) decodeSingleRelation(raw any, peerKind string) *RelatedNode {
	block, ok := raw.(map[string]any)
	if !ok {
		return NewRelatedNode("", nil, false, nil)
	}
	peerRaw, ok := block["node"].(map[string]any)
	if !ok {
		return NewRelatedNode("", nil, false, nil)
	}
	peer := c.decodePeer(peerRaw, peerKind)
	return NewRelatedNode(peer.ID, peer, true, c.peerFetchFunc(peer.Kind, peer.ID))
}

// decodeMultiRelation builds a handle for a multi-cardinality relation.
func (c *HTTPClient) decodeMultiRelation(raw any, peerKind string) *RelationshipManager {
	block, ok := raw.(map[string]any)
	if !ok {
		return NewRelationshipManager(nil, false)
	}
	edges, ok := block["edges"].([]any)
	if !ok {
		return NewRelationshipManager(nil, false)
	}

	peers := make([]*RelatedNode, 0, len(edges))
	for _, edge := range edges {
		edgeMap, ok := edge.(map[string]any)
		if !ok {
			continue
		}
		peerRaw, ok := edgeMap["node"].(map[string]any)
		if !ok {
			continue
		}
		peer := c.decodePeer(peerRaw, peerKind)
		peers = append(peers, NewRelatedNode(peer.ID, peer, true, c.peerFetchFunc(peer.Kind, peer.ID)))
	}
	return NewRelationshipManager(peers, true)
}

func (c *HTTPClient) decodePeer(raw map[string]any, fallbackKind string) *Node {
	kind := stringValue(raw["__typename"])
	if kind == "" {
		kind = fallbackKind
	}
	peer := NewNode(kind, stringValue(raw["id"]), stringList(raw["hfid"]))
	c.store.Set(peer)
	return peer
}

// peerFetchFunc returns a FetchFunc that loads one node by id.
func (c *HTTPClient) peerFetchFunc(kind, id string) FetchFunc {
	if kind == "" || id == "" {
		return nil
	}
	return func(ctx context.Context) (*Node, error) {
		if cached, ok := c.store.Get(id); ok {
			return cached, nil
		}
		query := fmt.Sprintf(
			"query {\n  %s(ids: [%q]) {\n    edges {\n      node { id hfid }\n    }\n  }\n}", kind, id)
		data, err := c.ExecuteQuery(ctx, query)
		if err != nil {
			return nil, err
		}
		schema := &kindSchema{}
		nodes := c.decodeNodes(kind, nil, data, schema)
		if len(nodes) == 0 {
			return nil, errors.WrapTransient(
				fmt.Errorf("node %s of kind %s not found", id, kind),
				"HTTPClient", "peerFetch", "fetch peer")
		}
		return nodes[0], nil
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}

func scalarValue(v any) any {
	block, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return block["value"]
}
