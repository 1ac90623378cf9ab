package tendermint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dvpn.mini/dvr/internal/types"
)

// DefaultRPC is the Tendermint RPC address used when none is given.
const DefaultRPC = "http://localhost:26657"

// BroadcastClient submits transactions and queries through Tendermint's
// JSON-RPC endpoint.
type BroadcastClient struct {
	rpcAddr string
	client  *http.Client
}

// TxError is a transaction rejected by the application.
type TxError struct {
	Phase string // check_tx or deliver_tx
	Code  uint32
	Log   string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s failed with code %d: %s", e.Phase, e.Code, e.Log)
}

// BroadcastResult describes an accepted transaction.
type BroadcastResult struct {
	Hash   string
	Height int64
	// Data is the DeliverTx result; empty for sync broadcasts.
	Data []byte
}

// QueryResult is the application's answer to abci_query.
type QueryResult struct {
	Code   uint32
	Log    string
	Value  []byte
	Height int64
}

// TxLookup is a committed transaction returned by the tx RPC.
type TxLookup struct {
	Hash   string
	Height int64
	Code   uint32
	Log    string
	Data   []byte
}

// NewBroadcastClient creates a client for rpcAddr, e.g.
// "http://localhost:26657".
func NewBroadcastClient(rpcAddr string) *BroadcastClient {
	if rpcAddr == "" {
		rpcAddr = DefaultRPC
	}

	return &BroadcastClient{
		rpcAddr: rpcAddr,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BroadcastTxSync returns once CheckTx has accepted the transaction.
func (bc *BroadcastClient) BroadcastTxSync(ctx context.Context, tx []byte) (*BroadcastResult, error) {
	var res struct {
		Code uint32 `json:"code"`
		Log  string `json:"log"`
		Hash string `json:"hash"`
	}
	if err := bc.call(ctx, "broadcast_tx_sync", map[string]any{"tx": tx}, &res); err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, &TxError{Phase: "check_tx", Code: res.Code, Log: res.Log}
	}
	return &BroadcastResult{Hash: res.Hash}, nil
}

// BroadcastTxCommit waits until the transaction is included in a block and
// returns its DeliverTx result.
func (bc *BroadcastClient) BroadcastTxCommit(ctx context.Context, tx []byte) (*BroadcastResult, error) {
	type txResponse struct {
		Code uint32 `json:"code"`
		Data []byte `json:"data"`
		Log  string `json:"log"`
	}
	var res struct {
		CheckTx   txResponse `json:"check_tx"`
		DeliverTx txResponse `json:"deliver_tx"`
		Hash      string     `json:"hash"`
		Height    int64      `json:"height,string"`
	}
	if err := bc.call(ctx, "broadcast_tx_commit", map[string]any{"tx": tx}, &res); err != nil {
		return nil, err
	}
	if res.CheckTx.Code != 0 {
		return nil, &TxError{Phase: "check_tx", Code: res.CheckTx.Code, Log: res.CheckTx.Log}
	}
	if res.DeliverTx.Code != 0 {
		return nil, &TxError{Phase: "deliver_tx", Code: res.DeliverTx.Code, Log: res.DeliverTx.Log}
	}
	return &BroadcastResult{Hash: res.Hash, Height: res.Height, Data: res.DeliverTx.Data}, nil
}

// BroadcastSignedTransaction marshals signedTx and broadcasts it. With
// commit set it waits for the block.
func (bc *BroadcastClient) BroadcastSignedTransaction(ctx context.Context, signedTx *types.SignedTransaction, commit bool) (*BroadcastResult, error) {
	txBytes, err := json.Marshal(signedTx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if commit {
		return bc.BroadcastTxCommit(ctx, txBytes)
	}
	return bc.BroadcastTxSync(ctx, txBytes)
}

// ABCIQuery runs an application query such as "/stats" or "/node/1".
func (bc *BroadcastClient) ABCIQuery(ctx context.Context, path string) (*QueryResult, error) {
	var res struct {
		Response struct {
			Code   uint32 `json:"code"`
			Log    string `json:"log"`
			Value  []byte `json:"value"`
			Height int64  `json:"height,string"`
		} `json:"response"`
	}
	if err := bc.call(ctx, "abci_query", map[string]any{"path": path}, &res); err != nil {
		return nil, err
	}
	return &QueryResult{
		Code:   res.Response.Code,
		Log:    res.Response.Log,
		Value:  res.Response.Value,
		Height: res.Response.Height,
	}, nil
}

// QueryTx looks up a committed transaction by hash (hex).
func (bc *BroadcastClient) QueryTx(ctx context.Context, txHash string) (*TxLookup, error) {
	hash, err := hexToBase64(txHash)
	if err != nil {
		return nil, err
	}
	var res struct {
		Hash     string `json:"hash"`
		Height   int64  `json:"height,string"`
		TxResult struct {
			Code uint32 `json:"code"`
			Log  string `json:"log"`
			Data []byte `json:"data"`
		} `json:"tx_result"`
	}
	if err := bc.call(ctx, "tx", map[string]any{"hash": hash}, &res); err != nil {
		return nil, err
	}
	return &TxLookup{
		Hash:   res.Hash,
		Height: res.Height,
		Code:   res.TxResult.Code,
		Log:    res.TxResult.Log,
		Data:   res.TxResult.Data,
	}, nil
}

// call performs one JSON-RPC request and decodes its result into out.
// []byte params are sent base64 encoded, as Tendermint expects.
func (bc *BroadcastClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	encoded := make(map[string]any, len(params))
	for k, v := range params {
		if b, ok := v.([]byte); ok {
			v = base64.StdEncoding.EncodeToString(b)
		}
		encoded[k] = v
	}

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  encoded,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.rpcAddr, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to build RPC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := bc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"error"`
	}

	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes))
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error %d: %s (%s)", rpcResp.Error.Code, rpcResp.Error.Message, rpcResp.Error.Data)
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func hexToBase64(h string) (string, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("invalid tx hash %q: %w", h, err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
