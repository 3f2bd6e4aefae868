package exporter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmill/infrahub-exporter/config"
	"github.com/opsmill/infrahub-exporter/errors"
	"github.com/opsmill/infrahub-exporter/infrahub"
	"github.com/opsmill/infrahub-exporter/metric"
)

// fakeClient serves canned nodes per kind and records calls.
type fakeClient struct {
	nodes       map[string][]*infrahub.Node
	errs        map[string]error
	store       *infrahub.NodeStore
	filtersSeen map[string]map[string]string
	allCalls    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nodes:       make(map[string][]*infrahub.Node),
		errs:        make(map[string]error),
		store:       infrahub.NewNodeStore(),
		filtersSeen: make(map[string]map[string]string),
	}
}

func (f *fakeClient) ExecuteQuery(context.Context, string) (map[string]any, error) {
	return nil, nil
}

func (f *fakeClient) All(_ context.Context, kind string, _ []string, _ string) ([]*infrahub.Node, error) {
	f.allCalls++
	if err := f.errs[kind]; err != nil {
		return nil, err
	}
	return f.nodes[kind], nil
}

func (f *fakeClient) Filters(_ context.Context, kind string, _ []string, _ string, filters map[string]string) ([]*infrahub.Node, error) {
	f.filtersSeen[kind] = filters
	if err := f.errs[kind]; err != nil {
		return nil, err
	}
	return f.nodes[kind], nil
}

func (f *fakeClient) Store() *infrahub.NodeStore {
	return f.store
}

func deviceNode(id, name string) *infrahub.Node {
	node := infrahub.NewNode("InfraDevice", id, []string{name})
	node.SetAttribute("name", name)
	return node
}

func TestPollOnceStoresEntries(t *testing.T) {
	client := newFakeClient()
	client.nodes["InfraDevice"] = []*infrahub.Node{deviceNode("1", "rtr1"), deviceNode("2", "rtr2")}

	store := NewStore()
	kinds := []config.MetricsKind{{Kind: "InfraDevice", Include: []string{"name"}}}
	p := NewPoller(client, store, kinds, "main", time.Minute, metric.NewMetrics())

	p.pollOnce(context.Background())

	entries := store.Snapshot("InfraDevice")
	require.Len(t, entries, 2)
	assert.Equal(t, "rtr1", entries[0].Labels["name"])
	assert.Equal(t, "InfraDevice(rtr2)", entries[1].Labels["hfid"])
}

func TestPollOnceUsesFiltersWhenConfigured(t *testing.T) {
	client := newFakeClient()
	client.nodes["InfraDevice"] = []*infrahub.Node{deviceNode("1", "rtr1")}

	store := NewStore()
	kinds := []config.MetricsKind{{
		Kind:    "InfraDevice",
		Include: []string{"name"},
		Filters: []map[string]string{{"role__value": "edge"}},
	}}
	p := NewPoller(client, store, kinds, "main", time.Minute, nil)

	p.pollOnce(context.Background())

	assert.Equal(t, map[string]string{"role__value": "edge"}, client.filtersSeen["InfraDevice"])
	assert.Equal(t, 0, client.allCalls)
}

func TestPollOncePreservesSnapshotOnFetchFailure(t *testing.T) {
	client := newFakeClient()
	client.nodes["InfraDevice"] = []*infrahub.Node{deviceNode("1", "rtr1")}

	store := NewStore()
	kinds := []config.MetricsKind{{Kind: "InfraDevice", Include: []string{"name"}}}
	p := NewPoller(client, store, kinds, "main", time.Minute, metric.NewMetrics())

	p.pollOnce(context.Background())
	require.Len(t, store.Snapshot("InfraDevice"), 1)

	// The next cycle fails; the prior snapshot must survive untouched
	client.errs["InfraDevice"] = errors.WrapTransient(errors.ErrQueryFailed, "HTTPClient", "ExecuteQuery", "post query")
	p.pollOnce(context.Background())

	entries := store.Snapshot("InfraDevice")
	require.Len(t, entries, 1)
	assert.Equal(t, "rtr1", entries[0].Labels["name"])
}

func TestPollOnceSkipsUnknownSchema(t *testing.T) {
	client := newFakeClient()
	client.errs["NoSuchKind"] = errors.WrapInvalid(errors.ErrSchemaNotFound, "HTTPClient", "kindSchema", "fetch schema")
	client.nodes["InfraDevice"] = []*infrahub.Node{deviceNode("1", "rtr1")}

	store := NewStore()
	kinds := []config.MetricsKind{
		{Kind: "NoSuchKind"},
		{Kind: "InfraDevice", Include: []string{"name"}},
	}
	p := NewPoller(client, store, kinds, "main", time.Minute, metric.NewMetrics())

	p.pollOnce(context.Background())

	// The unknown kind is skipped; the healthy kind still lands
	assert.Nil(t, store.Snapshot("NoSuchKind"))
	assert.Len(t, store.Snapshot("InfraDevice"), 1)
}

func TestPollerStartStop(t *testing.T) {
	client := newFakeClient()
	client.nodes["InfraDevice"] = []*infrahub.Node{deviceNode("1", "rtr1")}

	store := NewStore()
	kinds := []config.MetricsKind{{Kind: "InfraDevice", Include: []string{"name"}}}
	p := NewPoller(client, store, kinds, "main", 10*time.Millisecond, nil)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start must fail")

	assert.Eventually(t, func() bool {
		return len(store.Snapshot("InfraDevice")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(time.Second))
	// Stopping twice is a no-op
	require.NoError(t, p.Stop(time.Second))
}
