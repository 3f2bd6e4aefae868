package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsmill/infrahub-exporter/infrahub"
)

// ResolveEntry derives one metric entry from a fetched node. The label set
// is always {id, hfid} plus every include field; a field that cannot be
// resolved yields an empty string, never a missing key.
func ResolveEntry(ctx context.Context, store *infrahub.NodeStore, node *infrahub.Node, include []string) Entry {
	labels := map[string]string{
		"id":   node.ID,
		"hfid": node.HFID(),
	}

	for _, field := range include {
		fieldType, ok := node.FieldType(field)
		if !ok {
			labels[field] = ""
			continue
		}

		switch fieldType {
		case infrahub.FieldSingleRelation:
			labels[field] = resolveSingle(ctx, store, node, field)
		case infrahub.FieldMultiRelation:
			labels[field] = resolveMulti(ctx, store, node, field)
		default:
			labels[field] = resolveScalar(node, field)
		}
	}

	return Entry{Labels: labels, Value: 1}
}

func resolveScalar(node *infrahub.Node, field string) string {
	val, ok := node.Attribute(field)
	if !ok || val == nil {
		return ""
	}
	return fmt.Sprintf("%v", val)
}

// resolveSingle resolves a single-cardinality relation to the peer's
// human-friendly identifier. An uninitialized relation was never loaded by
// the originating query and must not trigger a speculative fetch.
func resolveSingle(ctx context.Context, store *infrahub.NodeStore, node *infrahub.Node, field string) string {
	rel, ok := node.SingleRelation(field)
	if !ok || !rel.Initialized() {
		return ""
	}

	if err := rel.Fetch(ctx); err != nil {
		slog.Warn("Failed to fetch relation peer",
			"kind", node.Kind, "id", node.ID, "field", field, "error", err)
		return ""
	}

	peer := rel.Peer()
	if cached, ok := store.Get(rel.ID); ok {
		peer = cached
	}
	if peer == nil {
		return ""
	}
	if hfid := peer.HFID(); hfid != "" {
		return hfid
	}
	return peer.ID
}

// resolveMulti resolves every current peer of a loaded multi-relation,
// preferring the local node cache over an explicit fetch, and joins the
// identifiers with commas.
func resolveMulti(ctx context.Context, store *infrahub.NodeStore, node *infrahub.Node, field string) string {
	mgr, ok := node.MultiRelation(field)
	if !ok || !mgr.Initialized() {
		return ""
	}

	peers := make([]string, 0, len(mgr.Peers()))
	for _, rel := range mgr.Peers() {
		peer, cached := store.Get(rel.ID)
		if !cached {
			if err := rel.Fetch(ctx); err != nil {
				slog.Warn("Failed to fetch relation peer",
					"kind", node.Kind, "id", node.ID, "field", field, "peer", rel.ID, "error", err)
				continue
			}
			peer = rel.Peer()
		}
		if peer == nil {
			continue
		}
		if hfid := peer.HFID(); hfid != "" {
			peers = append(peers, hfid)
		} else {
			peers = append(peers, peer.ID)
		}
	}
	return strings.Join(peers, ",")
}
