// Package types tests exercise the transaction envelope and the reward
// arithmetic defined in the `internal/types` package.
package types

import (
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"dvpn.mini/dvr/internal/identity"
)

func TestTransactionSigning(t *testing.T) {
	id, err := identity.LoadOrCreateIdentity(filepath.Join(t.TempDir(), "test_key.pem"))
	if err != nil {
		t.Fatalf("Failed to create test identity: %v", err)
	}

	tx, err := NewTransaction(TxReportBandwidth, ReportBandwidthPayload{NodeID: 1, BandwidthGB: 5})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}

	signedTx, err := tx.Sign(id)
	if err != nil {
		t.Fatalf("Failed to sign transaction: %v", err)
	}

	if !signedTx.Verify() {
		t.Error("Failed to verify transaction signature")
	}
	if signedTx.Signer() != Address(id.PublicKeyHex()) {
		t.Errorf("Signer mismatch. Got %s, want %s", signedTx.Signer(), id.PublicKeyHex())
	}

	extractedTx, err := signedTx.GetTransaction()
	if err != nil {
		t.Fatalf("Failed to extract transaction: %v", err)
	}
	if extractedTx.Type != tx.Type || extractedTx.ID != tx.ID {
		t.Errorf("Transaction mismatch. Got %s/%s, want %s/%s",
			extractedTx.Type, extractedTx.ID, tx.Type, tx.ID)
	}
}

func TestTamperedTransactionFailsVerify(t *testing.T) {
	id, err := identity.LoadOrCreateIdentity(filepath.Join(t.TempDir(), "key.pem"))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	tx, _ := NewTransaction(TxReportBandwidth, ReportBandwidthPayload{NodeID: 1, BandwidthGB: 5})
	stx, err := tx.Sign(id)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	stx.Tx = []byte(`{"type":"report_bandwidth","payload":{"node_id":1,"bandwidth_gb":5000}}`)
	if stx.Verify() {
		t.Fatal("tampered transaction verified")
	}

	stx.PublicKey = stx.PublicKey[:5]
	if stx.Verify() {
		t.Fatal("short public key verified")
	}
}

func TestDecodePayload(t *testing.T) {
	testCases := []struct {
		name    string
		txType  TransactionType
		payload string
		wantErr error
	}{
		{"Register", TxRegisterNode, `{"operator":"abcd"}`, nil},
		{"RegisterMissingOperator", TxRegisterNode, `{}`, ErrInvalidPayload},
		{"Report", TxReportBandwidth, `{"node_id":3,"bandwidth_gb":8}`, nil},
		{"ReportBadJSON", TxReportBandwidth, `{"node_id":"x"}`, ErrInvalidPayload},
		{"Deactivate", TxDeactivateNode, `{"node_id":1,"operator":"abcd"}`, nil},
		{"DeactivateMissingOperator", TxDeactivateNode, `{"node_id":1}`, ErrInvalidPayload},
		{"Unknown", TransactionType("restart_host"), `{}`, ErrUnknownTxType},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &Transaction{Type: tc.txType, Payload: json.RawMessage(tc.payload)}
			_, err := tx.DecodePayload()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNetworkStatsKeepsRewardInvariant(t *testing.T) {
	var stats NetworkStats
	if err := stats.RecordRegistration(); err != nil {
		t.Fatalf("RecordRegistration: %v", err)
	}
	for _, gb := range []uint64{5, 3, 0, 120} {
		tokens, err := stats.RecordBandwidth(gb)
		if err != nil {
			t.Fatalf("RecordBandwidth(%d): %v", gb, err)
		}
		if tokens != gb*TokensPerGB {
			t.Errorf("tokens for %d GB = %d", gb, tokens)
		}
		if stats.TotalTokensDistributed != stats.TotalBandwidth*TokensPerGB {
			t.Fatalf("invariant broken: %+v", stats)
		}
	}
	stats.RecordDeactivation()
	stats.RecordDeactivation()
	if stats.ActiveNodes != 0 || stats.TotalNodes != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
}

func TestRewardOverflow(t *testing.T) {
	if _, err := RewardFor(math.MaxUint64 / 5); err != ErrOverflow {
		t.Fatalf("expected overflow, got %v", err)
	}

	stats := NetworkStats{TotalBandwidth: math.MaxUint64 - 1}
	before := stats
	if _, err := stats.RecordBandwidth(2); err != ErrOverflow {
		t.Fatalf("expected overflow, got %v", err)
	}
	if stats != before {
		t.Fatalf("stats changed on overflow: %+v", stats)
	}

	node := Node{NodeID: 1, TokensEarned: math.MaxUint64}
	if err := node.Credit(1, 10); err != ErrOverflow {
		t.Fatalf("expected overflow, got %v", err)
	}
	if node.BandwidthProvided != 0 {
		t.Fatalf("node changed on overflow: %+v", node)
	}
}

func TestNodeState(t *testing.T) {
	if got := NotFoundNode().State(); got != StateNonexistent {
		t.Errorf("placeholder state = %s", got)
	}
	n := Node{NodeID: 2, IsActive: true}
	if !n.State().CanReport() {
		t.Errorf("active node should accept reports")
	}
	n.IsActive = false
	if n.State() != StateInactive || n.State().CanReport() {
		t.Errorf("inactive node state = %s", n.State())
	}
}

