// Package registry implements the node registry state machine. It owns
// three record families in ledger storage: one Node per registered
// operator, the NetworkStats aggregate and the node id counter. The
// registry keeps nothing in memory between calls; every operation reads
// what it needs from the Env's storage, computes, and writes back. The
// host commits those writes only when the operation returns nil.
package registry

import (
	"errors"
	"fmt"

	"dvpn.mini/dvr/internal/ledger"
	"dvpn.mini/dvr/internal/types"
)

const (
	// StatsKey holds the NetworkStats singleton.
	StatsKey ledger.Key = "NET_STATS"
	// CounterKey holds the last assigned node id.
	CounterKey ledger.Key = "NODE_CNT"

	DefaultTTLThreshold uint32 = 5000
	DefaultTTLExtendTo  uint32 = 5000
)

var (
	ErrUnauthorized = ledger.ErrUnauthorized
	ErrNotFound     = errors.New("node not found")
	ErrInactive     = errors.New("node inactive")
	ErrOverflow     = types.ErrOverflow
)

// NodeKey is the storage key of the node with the given id.
func NodeKey(id uint64) ledger.Key {
	return ledger.Key(fmt.Sprintf("Node/%d", id))
}

// Options tune the storage lifetime renewal applied after each mutation.
type Options struct {
	TTLThreshold uint32
	TTLExtendTo  uint32
}

// Registry exposes the public operations. It is safe to share; it has no
// mutable state of its own.
type Registry struct {
	ttlThreshold uint32
	ttlExtendTo  uint32
}

// New creates a Registry. Zero option fields take the defaults.
func New(opts Options) *Registry {
	r := &Registry{
		ttlThreshold: opts.TTLThreshold,
		ttlExtendTo:  opts.TTLExtendTo,
	}
	if r.ttlThreshold == 0 {
		r.ttlThreshold = DefaultTTLThreshold
	}
	if r.ttlExtendTo == 0 {
		r.ttlExtendTo = DefaultTTLExtendTo
	}
	return r
}

// Register creates an active node owned by operator and returns its id.
// The call must be signed by operator.
func (r *Registry) Register(env *ledger.Env, operator types.Address) (uint64, error) {
	if err := env.RequireAuth(operator); err != nil {
		return 0, err
	}
	store := env.Storage()

	var count uint64
	if _, err := store.Get(CounterKey, &count); err != nil {
		return 0, fmt.Errorf("read node counter: %w", err)
	}
	if count == ^uint64(0) {
		return 0, ErrOverflow
	}
	count++

	node := types.Node{
		NodeID:            count,
		Operator:          operator,
		BandwidthProvided: 0,
		TokensEarned:      0,
		IsActive:          true,
		RegistrationTime:  env.Ledger().Timestamp,
	}

	stats, err := loadStats(store)
	if err != nil {
		return 0, err
	}
	if err := stats.RecordRegistration(); err != nil {
		return 0, err
	}

	if err := store.Set(NodeKey(count), node); err != nil {
		return 0, fmt.Errorf("write node %d: %w", count, err)
	}
	if err := store.Set(StatsKey, stats); err != nil {
		return 0, fmt.Errorf("write stats: %w", err)
	}
	if err := store.Set(CounterKey, count); err != nil {
		return 0, fmt.Errorf("write node counter: %w", err)
	}
	if err := r.extend(store); err != nil {
		return 0, err
	}

	env.Log("VPN node registered", ledger.Fields{"node_id": count, "operator": operator.String()})
	return count, nil
}

// ReportBandwidth credits bandwidthGB and its token reward to an active
// node. Any caller may report.
func (r *Registry) ReportBandwidth(env *ledger.Env, nodeID, bandwidthGB uint64) error {
	store := env.Storage()

	node, err := findNode(store, nodeID)
	if err != nil {
		env.Log("Node not found or inactive", ledger.Fields{"node_id": nodeID})
		return err
	}
	if !node.State().CanReport() {
		env.Log("Node not found or inactive", ledger.Fields{"node_id": nodeID})
		return fmt.Errorf("%w: node %d", ErrInactive, nodeID)
	}

	stats, err := loadStats(store)
	if err != nil {
		return err
	}
	tokens, err := stats.RecordBandwidth(bandwidthGB)
	if err != nil {
		return err
	}
	if err := node.Credit(bandwidthGB, tokens); err != nil {
		return err
	}

	if err := store.Set(NodeKey(nodeID), node); err != nil {
		return fmt.Errorf("write node %d: %w", nodeID, err)
	}
	if err := store.Set(StatsKey, stats); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := r.extend(store); err != nil {
		return err
	}

	env.Log("Node rewarded", ledger.Fields{
		"node_id":      nodeID,
		"tokens":       tokens,
		"bandwidth_gb": bandwidthGB,
	})
	return nil
}

// Deactivate permanently deactivates a node. The call must be signed by
// operator and operator must own the node.
func (r *Registry) Deactivate(env *ledger.Env, nodeID uint64, operator types.Address) error {
	if err := env.RequireAuth(operator); err != nil {
		return err
	}
	store := env.Storage()

	node, err := findNode(store, nodeID)
	if err != nil {
		env.Log("Node not found", ledger.Fields{"node_id": nodeID})
		return err
	}
	if node.Operator != operator {
		env.Log("Unauthorized: not the node operator", ledger.Fields{"node_id": nodeID})
		return fmt.Errorf("%w: %s does not operate node %d", ErrUnauthorized, operator, nodeID)
	}
	if !node.IsActive {
		env.Log("Node already inactive", ledger.Fields{"node_id": nodeID})
		return fmt.Errorf("%w: node %d already deactivated", ErrInactive, nodeID)
	}

	node.IsActive = false

	stats, err := loadStats(store)
	if err != nil {
		return err
	}
	stats.RecordDeactivation()

	if err := store.Set(NodeKey(nodeID), node); err != nil {
		return fmt.Errorf("write node %d: %w", nodeID, err)
	}
	if err := store.Set(StatsKey, stats); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := r.extend(store); err != nil {
		return err
	}

	env.Log("Node deactivated", ledger.Fields{"node_id": nodeID})
	return nil
}

// FindNode returns the node with the given id or ErrNotFound.
func (r *Registry) FindNode(env *ledger.Env, nodeID uint64) (types.Node, error) {
	return findNode(env.Storage(), nodeID)
}

// GetNodeInfo returns the node with the given id, or the placeholder
// record (NodeID 0, inactive) when it does not exist.
func (r *Registry) GetNodeInfo(env *ledger.Env, nodeID uint64) (types.Node, error) {
	node, err := findNode(env.Storage(), nodeID)
	if errors.Is(err, ErrNotFound) {
		return types.NotFoundNode(), nil
	}
	return node, err
}

// GetNetworkStats returns the aggregate, all zero before the first
// registration.
func (r *Registry) GetNetworkStats(env *ledger.Env) (types.NetworkStats, error) {
	return loadStats(env.Storage())
}

// NodeCount returns the last assigned node id.
func (r *Registry) NodeCount(env *ledger.Env) (uint64, error) {
	var count uint64
	if _, err := env.Storage().Get(CounterKey, &count); err != nil {
		return 0, fmt.Errorf("read node counter: %w", err)
	}
	return count, nil
}

func (r *Registry) extend(store ledger.Storage) error {
	if err := store.ExtendTTL(r.ttlThreshold, r.ttlExtendTo); err != nil {
		return fmt.Errorf("extend storage ttl: %w", err)
	}
	return nil
}

func findNode(store ledger.Storage, nodeID uint64) (types.Node, error) {
	var node types.Node
	if nodeID == 0 {
		return node, fmt.Errorf("%w: id 0", ErrNotFound)
	}
	found, err := store.Get(NodeKey(nodeID), &node)
	if err != nil {
		return node, fmt.Errorf("read node %d: %w", nodeID, err)
	}
	if !found {
		return node, fmt.Errorf("%w: id %d", ErrNotFound, nodeID)
	}
	return node, nil
}

func loadStats(store ledger.Storage) (types.NetworkStats, error) {
	var stats types.NetworkStats
	if _, err := store.Get(StatsKey, &stats); err != nil {
		return stats, fmt.Errorf("read stats: %w", err)
	}
	return stats, nil
}
