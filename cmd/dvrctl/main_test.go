package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvpn.mini/dvr/internal/identity"
	"dvpn.mini/dvr/internal/tendermint"
	"dvpn.mini/dvr/internal/types"
)

type fakeClient struct {
	rpc     string
	sent    *types.SignedTransaction
	commit  bool
	queried string
	value   []byte
	txHash  string
}

func (f *fakeClient) BroadcastSignedTransaction(_ context.Context, stx *types.SignedTransaction, commit bool) (*tendermint.BroadcastResult, error) {
	f.sent = stx
	f.commit = commit
	return &tendermint.BroadcastResult{Hash: "AB", Height: 3, Data: []byte(`{"node_id":1}`)}, nil
}

func (f *fakeClient) ABCIQuery(_ context.Context, path string) (*tendermint.QueryResult, error) {
	f.queried = path
	return &tendermint.QueryResult{Value: f.value}, nil
}

func (f *fakeClient) QueryTx(_ context.Context, txHash string) (*tendermint.TxLookup, error) {
	f.txHash = txHash
	return &tendermint.TxLookup{Hash: txHash, Height: 4, Code: 4, Log: "node not found"}, nil
}

func harness(t *testing.T) (*fakeClient, func(rpc string) ledgerClient) {
	t.Helper()
	fc := &fakeClient{}
	return fc, func(rpc string) ledgerClient {
		fc.rpc = rpc
		return fc
	}
}

func TestKeygenThenRegister(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "op.pem")
	var out bytes.Buffer
	fc, newClient := harness(t)

	require.NoError(t, run([]string{"keygen", keyFile}, &out, newClient))
	id, err := identity.Load(keyFile)
	require.NoError(t, err)
	assert.Contains(t, out.String(), id.PublicKeyHex())

	out.Reset()
	require.NoError(t, run([]string{"register", "-key", keyFile, "-rpc", "http://tm:26657"}, &out, newClient))
	assert.Equal(t, "http://tm:26657", fc.rpc)
	assert.True(t, fc.commit)
	require.True(t, fc.sent.Verify())

	tx, err := fc.sent.GetTransaction()
	require.NoError(t, err)
	payload, err := tx.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, types.RegisterNodePayload{Operator: types.Address(id.PublicKeyHex())}, payload)
	assert.Contains(t, out.String(), `"node_id": 1`)
}

func TestReportAndDeactivatePayloads(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "op.pem")
	var out bytes.Buffer
	fc, newClient := harness(t)
	require.NoError(t, run([]string{"keygen", keyFile}, &out, newClient))
	id, err := identity.Load(keyFile)
	require.NoError(t, err)

	require.NoError(t, run([]string{"report", "-key", keyFile, "-async", "4", "12"}, &out, newClient))
	assert.False(t, fc.commit)
	tx, err := fc.sent.GetTransaction()
	require.NoError(t, err)
	payload, err := tx.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, types.ReportBandwidthPayload{NodeID: 4, BandwidthGB: 12}, payload)

	require.NoError(t, run([]string{"deactivate", "-key", keyFile, "4"}, &out, newClient))
	tx, err = fc.sent.GetTransaction()
	require.NoError(t, err)
	payload, err = tx.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, types.DeactivateNodePayload{NodeID: 4, Operator: types.Address(id.PublicKeyHex())}, payload)
}

func TestQueries(t *testing.T) {
	var out bytes.Buffer
	fc, newClient := harness(t)
	fc.value = []byte(`{"total_nodes":2}`)

	require.NoError(t, run([]string{"stats"}, &out, newClient))
	assert.Equal(t, "/stats", fc.queried)
	assert.Contains(t, out.String(), `"total_nodes": 2`)

	require.NoError(t, run([]string{"node", "7"}, &out, newClient))
	assert.Equal(t, "/node/7", fc.queried)
}

func TestUsageErrors(t *testing.T) {
	var out bytes.Buffer
	_, newClient := harness(t)

	for _, args := range [][]string{
		{},
		{"bogus"},
		{"keygen"},
		{"node"},
		{"node", "x"},
		{"report", "-key", filepath.Join(t.TempDir(), "missing.pem"), "1", "2"},
	} {
		assert.Error(t, run(args, &out, newClient), "args %v", args)
	}

	keyFile := filepath.Join(t.TempDir(), "op.pem")
	require.NoError(t, run([]string{"keygen", keyFile}, &out, newClient))
	assert.Error(t, run([]string{"report", "-key", keyFile, "1"}, &out, newClient))
	assert.Error(t, run([]string{"report", "-key", keyFile, "1", "-5"}, &out, newClient))
	assert.Error(t, run([]string{"register", "-key", keyFile, "extra"}, &out, newClient))
}

func TestTxLookup(t *testing.T) {
	var out bytes.Buffer
	fc, newClient := harness(t)

	require.NoError(t, run([]string{"tx", "ABCD"}, &out, newClient))
	assert.Equal(t, "ABCD", fc.txHash)
	assert.JSONEq(t, `{"hash":"ABCD","height":4,"code":4,"log":"node not found"}`, out.String())

	assert.Error(t, run([]string{"tx"}, &out, newClient))
}
