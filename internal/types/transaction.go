package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionType names a registry operation carried by a transaction.
type TransactionType string

const (
	TxRegisterNode    TransactionType = "register_node"
	TxReportBandwidth TransactionType = "report_bandwidth"
	TxDeactivateNode  TransactionType = "deactivate_node"
)

var (
	ErrUnknownTxType  = errors.New("unknown transaction type")
	ErrInvalidPayload = errors.New("invalid transaction payload")
)

// Transaction is the unsigned body submitted to the ledger.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RegisterNodePayload registers Operator as a new node. The transaction
// must be signed by Operator.
type RegisterNodePayload struct {
	Operator Address `json:"operator"`
}

// ReportBandwidthPayload credits BandwidthGB to NodeID. Any signer may
// submit it.
type ReportBandwidthPayload struct {
	NodeID      uint64 `json:"node_id"`
	BandwidthGB uint64 `json:"bandwidth_gb"`
}

// DeactivateNodePayload deactivates NodeID. The transaction must be
// signed by Operator, who must own the node.
type DeactivateNodePayload struct {
	NodeID   uint64  `json:"node_id"`
	Operator Address `json:"operator"`
}

// Signer is the part of an identity needed to sign transactions.
type Signer interface {
	Sign(message []byte) []byte
	PublicKey() ed25519.PublicKey
}

// SignedTransaction wraps the serialized Transaction with the signer's
// public key and signature.
type SignedTransaction struct {
	Tx        []byte            `json:"tx"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	Signature []byte            `json:"signature"`
}

// NewTransaction builds a transaction of the given type with a fresh ID.
func NewTransaction(txType TransactionType, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Transaction{
		ID:        uuid.NewString(),
		Type:      txType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Sign serializes tx and signs it with signer.
func (tx *Transaction) Sign(signer Signer) (*SignedTransaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return &SignedTransaction{
		Tx:        body,
		PublicKey: signer.PublicKey(),
		Signature: signer.Sign(body),
	}, nil
}

// Verify checks the signature against the embedded public key.
func (s *SignedTransaction) Verify() bool {
	if len(s.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(s.PublicKey, s.Tx, s.Signature)
}

// Signer returns the address of the signing key.
func (s *SignedTransaction) Signer() Address {
	return Address(hex.EncodeToString(s.PublicKey))
}

// GetTransaction decodes the inner transaction.
func (s *SignedTransaction) GetTransaction() (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(s.Tx, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// DecodePayload decodes and validates the payload for tx.Type. The
// returned value is one of the *Payload types above.
func (tx *Transaction) DecodePayload() (any, error) {
	switch tx.Type {
	case TxRegisterNode:
		var p RegisterNodePayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Operator == "" {
			return nil, fmt.Errorf("%w: operator is required", ErrInvalidPayload)
		}
		return p, nil
	case TxReportBandwidth:
		var p ReportBandwidthPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case TxDeactivateNode:
		var p DeactivateNodePayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Operator == "" {
			return nil, fmt.Errorf("%w: operator is required", ErrInvalidPayload)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTxType, tx.Type)
	}
}
