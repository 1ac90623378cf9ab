// Command dvrctl signs registry transactions and queries the registry
// through a Tendermint node's RPC endpoint.
//
//	dvrctl keygen <key-file>
//	dvrctl register   [-key f] [-rpc url] [-async]
//	dvrctl report     [-key f] [-rpc url] [-async] <node-id> <bandwidth-gb>
//	dvrctl deactivate [-key f] [-rpc url] [-async] <node-id>
//	dvrctl node       [-rpc url] <node-id>
//	dvrctl stats      [-rpc url]
//	dvrctl tx         [-rpc url] <tx-hash>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"dvpn.mini/dvr/internal/identity"
	"dvpn.mini/dvr/internal/tendermint"
	"dvpn.mini/dvr/internal/types"
)

// ledgerClient is the part of tendermint.BroadcastClient the CLI uses.
type ledgerClient interface {
	BroadcastSignedTransaction(ctx context.Context, stx *types.SignedTransaction, commit bool) (*tendermint.BroadcastResult, error)
	ABCIQuery(ctx context.Context, path string) (*tendermint.QueryResult, error)
	QueryTx(ctx context.Context, txHash string) (*tendermint.TxLookup, error)
}

var errUsage = errors.New("usage: dvrctl <keygen|register|report|deactivate|node|stats|tx> [flags] [args]")

func main() {
	newClient := func(rpc string) ledgerClient { return tendermint.NewBroadcastClient(rpc) }
	if err := run(os.Args[1:], os.Stdout, newClient); err != nil {
		var txErr *tendermint.TxError
		if errors.As(err, &txErr) {
			logrus.WithFields(logrus.Fields{"phase": txErr.Phase, "code": txErr.Code}).Error(txErr.Log)
			os.Exit(2)
		}
		logrus.Error(err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, newClient func(rpc string) ledgerClient) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	if cmd == "keygen" {
		if len(rest) != 1 {
			return errors.New("usage: dvrctl keygen <key-file>")
		}
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := id.Save(rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Key generated: %s\nAddress: %s\n", rest[0], id.PublicKeyHex())
		return nil
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keyFile := fs.String("key", envOr("DVR_KEY_FILE", "dvr_key.pem"), "operator key file")
	rpc := fs.String("rpc", envOr("DVR_TENDERMINT_RPC", tendermint.DefaultRPC), "Tendermint RPC address")
	async := fs.Bool("async", false, "return after CheckTx instead of waiting for the block")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	pos := fs.Args()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := newClient(*rpc)

	switch cmd {
	case "register", "report", "deactivate":
		id, err := identity.Load(*keyFile)
		if err != nil {
			return fmt.Errorf("load key %s: %w", *keyFile, err)
		}
		txType, payload, err := buildPayload(cmd, pos, types.Address(id.PublicKeyHex()))
		if err != nil {
			return err
		}
		tx, err := types.NewTransaction(txType, payload)
		if err != nil {
			return err
		}
		stx, err := tx.Sign(id)
		if err != nil {
			return err
		}
		res, err := client.BroadcastSignedTransaction(ctx, stx, !*async)
		if err != nil {
			return err
		}
		return printResult(stdout, tx.ID, res)

	case "node":
		if len(pos) != 1 {
			return errors.New("usage: dvrctl node <node-id>")
		}
		if _, err := strconv.ParseUint(pos[0], 10, 64); err != nil {
			return fmt.Errorf("invalid node id %q", pos[0])
		}
		return query(ctx, stdout, client, "/node/"+pos[0])

	case "stats":
		return query(ctx, stdout, client, "/stats")

	case "tx":
		if len(pos) != 1 {
			return errors.New("usage: dvrctl tx <tx-hash>")
		}
		res, err := client.QueryTx(ctx, pos[0])
		if err != nil {
			return err
		}
		return printLookup(stdout, res)

	default:
		return errUsage
	}
}

func buildPayload(cmd string, pos []string, self types.Address) (types.TransactionType, any, error) {
	switch cmd {
	case "register":
		if len(pos) != 0 {
			return "", nil, errors.New("usage: dvrctl register")
		}
		return types.TxRegisterNode, types.RegisterNodePayload{Operator: self}, nil

	case "report":
		if len(pos) != 2 {
			return "", nil, errors.New("usage: dvrctl report <node-id> <bandwidth-gb>")
		}
		nodeID, err := strconv.ParseUint(pos[0], 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid node id %q", pos[0])
		}
		gb, err := strconv.ParseUint(pos[1], 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid bandwidth %q", pos[1])
		}
		return types.TxReportBandwidth, types.ReportBandwidthPayload{NodeID: nodeID, BandwidthGB: gb}, nil

	case "deactivate":
		if len(pos) != 1 {
			return "", nil, errors.New("usage: dvrctl deactivate <node-id>")
		}
		nodeID, err := strconv.ParseUint(pos[0], 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid node id %q", pos[0])
		}
		return types.TxDeactivateNode, types.DeactivateNodePayload{NodeID: nodeID, Operator: self}, nil
	}
	return "", nil, errUsage
}

func printResult(w io.Writer, txID string, res *tendermint.BroadcastResult) error {
	out := map[string]any{
		"tx_id": txID,
		"hash":  res.Hash,
	}
	if res.Height > 0 {
		out["height"] = res.Height
	}
	if len(res.Data) > 0 {
		out["result"] = json.RawMessage(res.Data)
	}
	return writeJSON(w, out)
}

func printLookup(w io.Writer, res *tendermint.TxLookup) error {
	out := map[string]any{
		"hash":   res.Hash,
		"height": res.Height,
		"code":   res.Code,
	}
	if res.Log != "" {
		out["log"] = res.Log
	}
	if len(res.Data) > 0 {
		out["result"] = json.RawMessage(res.Data)
	}
	return writeJSON(w, out)
}

func query(ctx context.Context, w io.Writer, client ledgerClient, path string) error {
	res, err := client.ABCIQuery(ctx, path)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("query %s failed with code %d: %s", path, res.Code, res.Log)
	}
	return writeJSON(w, json.RawMessage(res.Value))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
