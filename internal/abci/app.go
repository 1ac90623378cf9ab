// Package abci contains the ABCI application that connects the node
// registry to the Tendermint consensus engine. It validates transactions
// (CheckTx), executes them against persistent storage (DeliverTx) and
// commits one block of state at a time. Signatures are verified here; the
// verified signing key is the only identity the registry sees.
package abci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	abci "github.com/tendermint/tendermint/abci/types"

	"dvpn.mini/dvr/internal/ledger"
	"dvpn.mini/dvr/internal/logger"
	"dvpn.mini/dvr/internal/registry"
	"dvpn.mini/dvr/internal/store"
	"dvpn.mini/dvr/internal/types"
)

const (
	CodeTypeOK            uint32 = 0
	CodeTypeEncodingError uint32 = 1
	CodeTypeAuthError     uint32 = 2
	CodeTypeInvalidTx     uint32 = 3
	CodeTypeNotFound      uint32 = 4
	CodeTypeInvalidState  uint32 = 5
	CodeTypeOverflow      uint32 = 6
	CodeTypeInternalError uint32 = 7
)

// AppVersion is reported to Tendermint in Info.
const AppVersion uint64 = 1

// Query paths.
const (
	QueryNodePrefix = "/node/"
	QueryStats      = "/stats"
)

// TxResult is returned in ResponseDeliverTx.Data.
type TxResult struct {
	NodeID uint64 `json:"node_id"`
}

// Options configure an ABCIApplication. Zero values are usable.
type Options struct {
	Registry    *registry.Registry
	Logger      *logger.Logger
	Metrics     *Metrics
	MaxBackups  int
	BackupEvery int64
}

// ABCIApplication implements the ABCI interface.
type ABCIApplication struct {
	abci.BaseApplication

	store    *store.Store
	registry *registry.Registry
	log      *logger.Logger
	metrics  *Metrics

	maxBackups  int
	backupEvery int64

	mu          sync.Mutex
	block       *store.Txn
	blockHeight int64
	info        ledger.Info
	height      int64
	appHash     []byte
}

// NewABCIApplication creates an application over st, resuming from the
// last committed block recorded there.
func NewABCIApplication(st *store.Store, opts Options) (*ABCIApplication, error) {
	if st == nil {
		return nil, errors.New("abci: store is required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = logger.New(200, nil)
	}

	height, hash, err := st.LastCommit(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load commit info: %w", err)
	}

	app := &ABCIApplication{
		store:       st,
		registry:    opts.Registry,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		maxBackups:  opts.MaxBackups,
		backupEvery: opts.BackupEvery,
		height:      height,
		appHash:     hash,
		info:        ledger.Info{Sequence: clampSequence(height)},
	}
	return app, nil
}

// Height returns the last committed block height.
func (app *ABCIApplication) Height() int64 {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.height
}

// LedgerInfo returns the current ledger clock.
func (app *ABCIApplication) LedgerInfo() ledger.Info {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.info
}

func (app *ABCIApplication) Info(req abci.RequestInfo) abci.ResponseInfo {
	app.mu.Lock()
	defer app.mu.Unlock()
	return abci.ResponseInfo{
		Data:             "dvr",
		Version:          types.Version,
		AppVersion:       AppVersion,
		LastBlockHeight:  app.height,
		LastBlockAppHash: app.appHash,
	}
}

// BeginBlock advances the ledger clock and opens the block transaction.
// A lapsed storage lifetime is reported but never acted on: node records
// and counters are permanent.
func (app *ABCIApplication) BeginBlock(req abci.RequestBeginBlock) abci.ResponseBeginBlock {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.block != nil {
		// previous block never committed; its writes are discarded
		app.log.Warning(fmt.Sprintf("Discarding uncommitted block %d", app.blockHeight))
		_ = app.block.Rollback()
		app.block = nil
	}

	app.advanceClock(req.Header.Height, req.Header.Time.Unix())
	app.blockHeight = req.Header.Height
	if app.blockHeight <= app.height {
		app.blockHeight = app.height + 1
	}

	if err := app.openBlock(); err != nil {
		panic(fmt.Sprintf("begin block %d: %v", app.blockHeight, err))
	}

	expired, err := app.block.Expired()
	if err != nil {
		panic(fmt.Sprintf("check storage lifetime at block %d: %v", app.blockHeight, err))
	}
	if expired {
		app.metrics.ObserveExpired()
		app.log.LogFields("warning", "Registry storage lifetime lapsed", map[string]any{
			"sequence": app.info.Sequence,
		})
	}

	return abci.ResponseBeginBlock{}
}

// advanceClock moves the ledger clock forward; it never goes backwards.
func (app *ABCIApplication) advanceClock(height, unix int64) {
	seq := clampSequence(height)
	if seq > app.info.Sequence {
		app.info.Sequence = seq
	}
	if unix > 0 && uint64(unix) > app.info.Timestamp {
		app.info.Timestamp = uint64(unix)
	}
}

func clampSequence(height int64) uint32 {
	switch {
	case height <= 0:
		return 0
	case height > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(height)
	}
}

func (app *ABCIApplication) openBlock() error {
	if app.block != nil {
		return nil
	}
	if app.blockHeight <= app.height {
		app.blockHeight = app.height + 1
	}
	txn, err := app.store.Begin(context.Background(), app.info.Sequence)
	if err != nil {
		return err
	}
	app.block = txn
	return nil
}

// decoded is a transaction that passed the stateless checks.
type decoded struct {
	signer  types.Address
	tx      *types.Transaction
	payload any
}

// decode runs the stateless checks shared by CheckTx and DeliverTx.
func decode(raw []byte) (*decoded, uint32, string) {
	var signedTx types.SignedTransaction
	if err := json.Unmarshal(raw, &signedTx); err != nil {
		return nil, CodeTypeEncodingError, "failed to decode signed tx"
	}

	if !signedTx.Verify() {
		return nil, CodeTypeAuthError, "invalid signature"
	}

	tx, err := signedTx.GetTransaction()
	if err != nil {
		return nil, CodeTypeEncodingError, "failed to decode inner tx"
	}
	if tx.ID == "" {
		return &decoded{tx: tx}, CodeTypeInvalidTx, "missing tx id"
	}

	payload, err := tx.DecodePayload()
	if err != nil {
		return &decoded{tx: tx}, CodeTypeInvalidTx, err.Error()
	}

	return &decoded{
		signer:  signedTx.Signer(),
		tx:      tx,
		payload: payload,
	}, CodeTypeOK, ""
}

// errDuplicateTx rejects a signed transaction delivered before. The
// signature authorizes one call, not every rebroadcast of its bytes.
var errDuplicateTx = errors.New("transaction already applied")

// CheckTx runs the stateless checks and rejects ids already committed.
func (app *ABCIApplication) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	d, code, msg := decode(req.Tx)
	if code != CodeTypeOK {
		return abci.ResponseCheckTx{Code: code, Log: msg}
	}
	applied, err := app.store.Applied(context.Background(), d.tx.ID)
	if err != nil {
		return abci.ResponseCheckTx{Code: CodeTypeInternalError, Log: err.Error()}
	}
	if applied {
		return abci.ResponseCheckTx{Code: CodeTypeInvalidTx, Log: errDuplicateTx.Error()}
	}
	return abci.ResponseCheckTx{Code: CodeTypeOK}
}

func (app *ABCIApplication) DeliverTx(req abci.RequestDeliverTx) abci.ResponseDeliverTx {
	app.mu.Lock()
	defer app.mu.Unlock()

	d, code, msg := decode(req.Tx)
	if code != CodeTypeOK {
		var txType types.TransactionType
		if d != nil {
			txType = d.tx.Type
		}
		app.metrics.ObserveTx(txType, code)
		return abci.ResponseDeliverTx{Code: code, Log: msg}
	}

	if err := app.openBlock(); err != nil {
		app.metrics.ObserveTx(d.tx.Type, CodeTypeInternalError)
		return abci.ResponseDeliverTx{Code: CodeTypeInternalError, Log: err.Error()}
	}

	// the id is consumed whether or not the call succeeds
	fresh, err := app.block.MarkApplied(d.tx.ID, app.blockHeight)
	if err != nil {
		app.metrics.ObserveTx(d.tx.Type, CodeTypeInternalError)
		return abci.ResponseDeliverTx{Code: CodeTypeInternalError, Log: err.Error()}
	}
	if !fresh {
		app.metrics.ObserveTx(d.tx.Type, CodeTypeInvalidTx)
		app.log.LogFields("warning", "Duplicate transaction rejected", map[string]any{
			"tx_id":  d.tx.ID,
			"type":   string(d.tx.Type),
			"signer": string(d.signer),
		})
		return abci.ResponseDeliverTx{Code: CodeTypeInvalidTx, Log: errDuplicateTx.Error()}
	}

	var result TxResult
	err = app.block.Atomic(func(s ledger.Storage) error {
		env := ledger.NewEnv(s, app.info, app.log, d.signer)
		var err error
		result, err = app.execute(env, d.payload)
		return err
	})

	code = codeFor(err)
	app.metrics.ObserveTx(d.tx.Type, code)
	if err != nil {
		app.log.LogFields("warning", "Transaction rejected", map[string]any{
			"tx_id": d.tx.ID,
			"type":  string(d.tx.Type),
			"error": err.Error(),
		})
		return abci.ResponseDeliverTx{Code: code, Log: err.Error()}
	}

	data, _ := json.Marshal(result)
	return abci.ResponseDeliverTx{
		Code: CodeTypeOK,
		Data: data,
		Events: []abci.Event{{
			Type: string(d.tx.Type),
			Attributes: []abci.EventAttribute{
				{Key: []byte("node_id"), Value: []byte(strconv.FormatUint(result.NodeID, 10)), Index: true},
				{Key: []byte("signer"), Value: []byte(d.signer), Index: true},
			},
		}},
	}
}

func (app *ABCIApplication) execute(env *ledger.Env, payload any) (TxResult, error) {
	switch p := payload.(type) {
	case types.RegisterNodePayload:
		id, err := app.registry.Register(env, p.Operator)
		return TxResult{NodeID: id}, err
	case types.ReportBandwidthPayload:
		return TxResult{NodeID: p.NodeID}, app.registry.ReportBandwidth(env, p.NodeID, p.BandwidthGB)
	case types.DeactivateNodePayload:
		return TxResult{NodeID: p.NodeID}, app.registry.Deactivate(env, p.NodeID, p.Operator)
	default:
		return TxResult{}, fmt.Errorf("%w: %T", types.ErrUnknownTxType, payload)
	}
}

func codeFor(err error) uint32 {
	switch {
	case err == nil:
		return CodeTypeOK
	case errors.Is(err, registry.ErrUnauthorized):
		return CodeTypeAuthError
	case errors.Is(err, registry.ErrNotFound):
		return CodeTypeNotFound
	case errors.Is(err, registry.ErrInactive):
		return CodeTypeInvalidState
	case errors.Is(err, registry.ErrOverflow):
		return CodeTypeOverflow
	case errors.Is(err, types.ErrUnknownTxType), errors.Is(err, types.ErrInvalidPayload):
		return CodeTypeInvalidTx
	default:
		return CodeTypeInternalError
	}
}

// Commit persists the block and its app hash.
func (app *ABCIApplication) Commit() abci.ResponseCommit {
	app.mu.Lock()
	defer app.mu.Unlock()

	if err := app.openBlock(); err != nil {
		panic(fmt.Sprintf("commit: %v", err))
	}

	stats, err := app.registry.GetNetworkStats(ledger.NewEnv(app.block, app.info, nil))
	if err != nil {
		panic(fmt.Sprintf("commit: %v", err))
	}

	// every node record, the counter and the aggregate feed the hash
	hash, err := app.block.Digest()
	if err != nil {
		panic(fmt.Sprintf("commit: %v", err))
	}
	if err := app.block.SetCommitInfo(app.blockHeight, hash); err != nil {
		panic(fmt.Sprintf("commit: %v", err))
	}
	if err := app.block.Commit(); err != nil {
		panic(fmt.Sprintf("commit: %v", err))
	}

	app.block = nil
	app.height = app.blockHeight
	app.appHash = hash
	app.metrics.ObserveCommit(app.height, stats)

	if app.backupEvery > 0 && app.height%app.backupEvery == 0 {
		if path, err := app.store.BackupCurrent(app.maxBackups); err != nil {
			app.log.Error(fmt.Sprintf("Failed to back up registry at height %d: %v", app.height, err))
		} else if path != "" {
			app.log.Info(fmt.Sprintf("Registry backed up at height %d", app.height))
		}
	}

	return abci.ResponseCommit{Data: hash}
}

func (app *ABCIApplication) Query(req abci.RequestQuery) abci.ResponseQuery {
	ctx := context.Background()
	height := app.Height()

	switch {
	case req.Path == QueryStats:
		stats, err := app.NetworkStats(ctx)
		if err != nil {
			return abci.ResponseQuery{Code: CodeTypeInternalError, Log: err.Error(), Height: height}
		}
		value, _ := json.Marshal(stats)
		return abci.ResponseQuery{Code: CodeTypeOK, Key: []byte(req.Path), Value: value, Height: height}

	case strings.HasPrefix(req.Path, QueryNodePrefix):
		id, err := strconv.ParseUint(strings.TrimPrefix(req.Path, QueryNodePrefix), 10, 64)
		if err != nil {
			return abci.ResponseQuery{Code: CodeTypeEncodingError, Log: "invalid node id", Height: height}
		}
		node, err := app.NodeInfo(ctx, id)
		if err != nil {
			return abci.ResponseQuery{Code: CodeTypeInternalError, Log: err.Error(), Height: height}
		}
		value, _ := json.Marshal(node)
		return abci.ResponseQuery{Code: CodeTypeOK, Key: []byte(req.Path), Value: value, Height: height}

	default:
		return abci.ResponseQuery{Code: CodeTypeInvalidTx, Log: fmt.Sprintf("unknown query path %q", req.Path), Height: height}
	}
}

// NodeInfo reads a node from committed state. Unknown ids yield the
// placeholder record.
func (app *ABCIApplication) NodeInfo(ctx context.Context, nodeID uint64) (types.Node, error) {
	var node types.Node
	err := app.view(ctx, func(env *ledger.Env) error {
		var err error
		node, err = app.registry.GetNodeInfo(env, nodeID)
		return err
	})
	return node, err
}

// FindNode reads a node from committed state. Unknown ids yield
// registry.ErrNotFound.
func (app *ABCIApplication) FindNode(ctx context.Context, nodeID uint64) (types.Node, error) {
	var node types.Node
	err := app.view(ctx, func(env *ledger.Env) error {
		var err error
		node, err = app.registry.FindNode(env, nodeID)
		return err
	})
	return node, err
}

// Status reports the committed height, the storage lifetime and the last
// assigned node id.
func (app *ABCIApplication) Status(ctx context.Context) (types.LedgerStatus, error) {
	info := app.LedgerInfo()
	status := types.LedgerStatus{
		Height:   app.Height(),
		Sequence: info.Sequence,
	}

	live, err := app.store.LiveUntil(ctx)
	if err != nil {
		return status, err
	}
	status.LiveUntil = live
	status.Expired = live != 0 && info.Sequence > live

	err = app.view(ctx, func(env *ledger.Env) error {
		var err error
		status.LastNodeID, err = app.registry.NodeCount(env)
		return err
	})
	return status, err
}

// NetworkStats reads the aggregate from committed state.
func (app *ABCIApplication) NetworkStats(ctx context.Context) (types.NetworkStats, error) {
	var stats types.NetworkStats
	err := app.view(ctx, func(env *ledger.Env) error {
		var err error
		stats, err = app.registry.GetNetworkStats(env)
		return err
	})
	return stats, err
}

func (app *ABCIApplication) view(ctx context.Context, fn func(*ledger.Env) error) error {
	info := app.LedgerInfo()
	return app.store.View(ctx, info.Sequence, func(txn *store.Txn) error {
		return fn(ledger.NewEnv(txn, info, nil))
	})
}
