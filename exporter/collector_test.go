package exporter

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmill/infrahub-exporter/config"
)

func TestCollectorRendersEntries(t *testing.T) {
	store := NewStore()
	store.Replace("Device", []Entry{
		{Labels: map[string]string{"id": "1", "hfid": "Device(rtr1)", "name": "rtr1", "site": ""}, Value: 1},
		{Labels: map[string]string{"id": "2", "hfid": "Device(rtr2)", "name": "rtr2", "site": "LocationSite(atl)"}, Value: 1},
	})

	kinds := []config.MetricsKind{{Kind: "Device", Include: []string{"name", "site"}}}
	collector := NewCollector(store, kinds)

	expected := `
# HELP infrahub_device_info Info about Infrahub Device
# TYPE infrahub_device_info gauge
infrahub_device_info{hfid="Device(rtr1)",id="1",name="rtr1",site=""} 1
infrahub_device_info{hfid="Device(rtr2)",id="2",name="rtr2",site="LocationSite(atl)"} 1
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))
}

func TestCollectorSkipsEmptyKinds(t *testing.T) {
	store := NewStore()
	store.Replace("Device", []Entry{
		{Labels: map[string]string{"id": "1", "hfid": "Device(rtr1)"}, Value: 1},
	})
	store.Replace("Interface", nil)

	kinds := []config.MetricsKind{
		{Kind: "Device"},
		{Kind: "Interface"},
		{Kind: "NeverPolled"},
	}
	collector := NewCollector(store, kinds)

	assert.Equal(t, 1, testutil.CollectAndCount(collector))
}

func TestCollectorReflectsStoreReplacement(t *testing.T) {
	store := NewStore()
	kinds := []config.MetricsKind{{Kind: "Device", Include: []string{"name"}}}
	collector := NewCollector(store, kinds)

	assert.Equal(t, 0, testutil.CollectAndCount(collector))

	store.Replace("Device", []Entry{
		{Labels: map[string]string{"id": "1", "hfid": "Device(rtr1)", "name": "rtr1"}, Value: 1},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(collector))

	store.Replace("Device", []Entry{
		{Labels: map[string]string{"id": "1", "hfid": "Device(rtr1)", "name": "rtr1"}, Value: 1},
		{Labels: map[string]string{"id": "2", "hfid": "Device(rtr2)", "name": "rtr2"}, Value: 1},
	})
	assert.Equal(t, 2, testutil.CollectAndCount(collector))
}
