// Package types defines the core domain models for the dvr registry.
// It contains the Node and NetworkStats records kept in ledger storage,
// the reward arithmetic that ties bandwidth to tokens, and the signed
// transaction envelope submitted to the ledger.
package types

import (
	"errors"
	"math/bits"
	"strings"
)

// Version is the current version of dvr
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// TokensPerGB is the fixed reward rate applied to reported bandwidth.
const TokensPerGB uint64 = 10

// ErrOverflow is returned when a counter would exceed the uint64 range.
var ErrOverflow = errors.New("arithmetic overflow")

// Address identifies an operator on the ledger. It is the hex-encoded
// ed25519 public key of the signing identity.
type Address string

// ZeroAddress is the placeholder operator carried by the not-found record.
var ZeroAddress = Address(strings.Repeat("0", 64))

func (a Address) String() string {
	return string(a)
}

// Node is the ledger record for one registered VPN node operator.
type Node struct {
	NodeID            uint64  `json:"node_id"`
	Operator          Address `json:"operator"`
	BandwidthProvided uint64  `json:"bandwidth_provided"` // GB
	TokensEarned      uint64  `json:"tokens_earned"`
	IsActive          bool    `json:"is_active"`
	RegistrationTime  uint64  `json:"registration_time"` // ledger timestamp
}

// NotFoundNode returns the placeholder record reported for ids that were
// never registered. Real ids start at 1, so NodeID 0 marks absence.
func NotFoundNode() Node {
	return Node{
		NodeID:   0,
		Operator: ZeroAddress,
		IsActive: false,
	}
}

// Exists reports whether n is a real record rather than the placeholder.
func (n Node) Exists() bool {
	return n.NodeID != 0
}

// Credit adds bandwidth and its reward to the node's cumulative counters.
// The node is left untouched when either counter would overflow.
func (n *Node) Credit(bandwidthGB, tokens uint64) error {
	bw, c1 := bits.Add64(n.BandwidthProvided, bandwidthGB, 0)
	tk, c2 := bits.Add64(n.TokensEarned, tokens, 0)
	if c1 != 0 || c2 != 0 {
		return ErrOverflow
	}
	n.BandwidthProvided = bw
	n.TokensEarned = tk
	return nil
}

// NetworkStats is the network-wide aggregate. It is only changed through
// the Record* methods so that TotalTokensDistributed always equals
// TotalBandwidth * TokensPerGB.
type NetworkStats struct {
	TotalNodes             uint64 `json:"total_nodes"`
	ActiveNodes            uint64 `json:"active_nodes"`
	TotalBandwidth         uint64 `json:"total_bandwidth"`
	TotalTokensDistributed uint64 `json:"total_tokens_distributed"`
}

// RewardFor returns the tokens earned for bandwidthGB.
func RewardFor(bandwidthGB uint64) (uint64, error) {
	hi, lo := bits.Mul64(bandwidthGB, TokensPerGB)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// RecordRegistration counts a new, active node.
func (s *NetworkStats) RecordRegistration() error {
	if s.TotalNodes == ^uint64(0) {
		return ErrOverflow
	}
	s.TotalNodes++
	s.ActiveNodes++
	return nil
}

// RecordBandwidth adds reported bandwidth and returns the tokens awarded
// for it. Stats are unchanged on error.
func (s *NetworkStats) RecordBandwidth(bandwidthGB uint64) (uint64, error) {
	tokens, err := RewardFor(bandwidthGB)
	if err != nil {
		return 0, err
	}
	bw, c1 := bits.Add64(s.TotalBandwidth, bandwidthGB, 0)
	tk, c2 := bits.Add64(s.TotalTokensDistributed, tokens, 0)
	if c1 != 0 || c2 != 0 {
		return 0, ErrOverflow
	}
	s.TotalBandwidth = bw
	s.TotalTokensDistributed = tk
	return tokens, nil
}

// RecordDeactivation removes one node from the active count.
func (s *NetworkStats) RecordDeactivation() {
	if s.ActiveNodes > 0 {
		s.ActiveNodes--
	}
}

// LedgerStatus summarizes the committed ledger for health checks.
type LedgerStatus struct {
	Height     int64  `json:"height"`
	Sequence   uint32 `json:"sequence"`
	LiveUntil  uint32 `json:"live_until"` // 0 before the first mutation
	Expired    bool   `json:"expired"`
	LastNodeID uint64 `json:"last_node_id"`
}
