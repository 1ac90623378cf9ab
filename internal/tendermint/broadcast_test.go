package tendermint

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func rpcServer(t *testing.T, handle func(req rpcRequest) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBroadcastTxCommitReturnsDeliverData(t *testing.T) {
	var seen rpcRequest
	srv := rpcServer(t, func(req rpcRequest) string {
		seen = req
		return `{"jsonrpc":"2.0","id":1,"result":{
			"check_tx":{"code":0},
			"deliver_tx":{"code":0,"data":"eyJub2RlX2lkIjoxfQ=="},
			"hash":"ABCD","height":"12"}}`
	})

	bc := NewBroadcastClient(srv.URL)
	res, err := bc.BroadcastTxCommit(context.Background(), []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, "broadcast_tx_commit", seen.Method)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("payload")), seen.Params["tx"])
	assert.Equal(t, "ABCD", res.Hash)
	assert.Equal(t, int64(12), res.Height)
	assert.JSONEq(t, `{"node_id":1}`, string(res.Data))
}

func TestBroadcastTxCommitSurfacesAppCodes(t *testing.T) {
	srv := rpcServer(t, func(rpcRequest) string {
		return `{"jsonrpc":"2.0","id":1,"result":{
			"check_tx":{"code":0},
			"deliver_tx":{"code":4,"log":"node not found: id 9"},
			"hash":"ABCD","height":"3"}}`
	})

	_, err := NewBroadcastClient(srv.URL).BroadcastTxCommit(context.Background(), []byte("x"))
	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "deliver_tx", txErr.Phase)
	assert.Equal(t, uint32(4), txErr.Code)
}

func TestBroadcastTxSyncCheckFailure(t *testing.T) {
	srv := rpcServer(t, func(rpcRequest) string {
		return `{"jsonrpc":"2.0","id":1,"result":{"code":2,"log":"invalid signature","hash":"FF"}}`
	})

	_, err := NewBroadcastClient(srv.URL).BroadcastTxSync(context.Background(), []byte("x"))
	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "check_tx", txErr.Phase)
	assert.Equal(t, uint32(2), txErr.Code)
}

func TestRPCErrorIsReported(t *testing.T) {
	srv := rpcServer(t, func(rpcRequest) string {
		return `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"Internal error","data":"tx already exists in cache"}}`
	})

	_, err := NewBroadcastClient(srv.URL).BroadcastTxSync(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx already exists in cache")
}

func TestABCIQuery(t *testing.T) {
	var seen rpcRequest
	srv := rpcServer(t, func(req rpcRequest) string {
		seen = req
		return `{"jsonrpc":"2.0","id":1,"result":{"response":{
			"code":0,"value":"eyJ0b3RhbF9ub2RlcyI6Mn0=","height":"7"}}}`
	})

	res, err := NewBroadcastClient(srv.URL).ABCIQuery(context.Background(), "/stats")
	require.NoError(t, err)
	assert.Equal(t, "abci_query", seen.Method)
	assert.Equal(t, "/stats", seen.Params["path"])
	assert.Equal(t, uint32(0), res.Code)
	assert.Equal(t, int64(7), res.Height)
	assert.JSONEq(t, `{"total_nodes":2}`, string(res.Value))
}

func TestQueryTxEncodesHash(t *testing.T) {
	var seen rpcRequest
	srv := rpcServer(t, func(req rpcRequest) string {
		seen = req
		return `{"jsonrpc":"2.0","id":1,"result":{"hash":"ABCD","height":"5","tx_result":{"code":4,"log":"node not found","data":"eyJub2RlX2lkIjo3fQ=="}}}`
	})

	res, err := NewBroadcastClient(srv.URL).QueryTx(context.Background(), "ABCD")
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xab, 0xcd}), seen.Params["hash"])
	assert.Equal(t, &TxLookup{
		Hash:   "ABCD",
		Height: 5,
		Code:   4,
		Log:    "node not found",
		Data:   []byte(`{"node_id":7}`),
	}, res)

	_, err = NewBroadcastClient(srv.URL).QueryTx(context.Background(), "zz")
	assert.Error(t, err)
}
