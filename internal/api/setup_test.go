package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"dvpn.mini/dvr/internal/logger"
	"dvpn.mini/dvr/internal/registry"
	"dvpn.mini/dvr/internal/store"
	"dvpn.mini/dvr/internal/types"
)

// fakeRegistry implements Querier over fixed data.
type fakeRegistry struct {
	nodes  map[uint64]types.Node
	stats  types.NetworkStats
	status types.LedgerStatus
	height int64
	err    error
}

func (f *fakeRegistry) FindNode(_ context.Context, id uint64) (types.Node, error) {
	if f.err != nil {
		return types.Node{}, f.err
	}
	if n, ok := f.nodes[id]; ok {
		return n, nil
	}
	return types.Node{}, fmt.Errorf("%w: id %d", registry.ErrNotFound, id)
}

func (f *fakeRegistry) Status(context.Context) (types.LedgerStatus, error) {
	return f.status, f.err
}

func (f *fakeRegistry) NetworkStats(context.Context) (types.NetworkStats, error) {
	return f.stats, f.err
}

func (f *fakeRegistry) Height() int64 {
	return f.height
}

var errBroken = errors.New("broken")

type testEnv struct {
	svc    *Service
	server *echo.Echo
	reg    *fakeRegistry
	store  *store.Store
	log    *logger.Logger
}

// setupTest creates a temporary store and service for testing
func setupTest(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := &fakeRegistry{
		nodes: map[uint64]types.Node{
			1: {NodeID: 1, Operator: types.Address("ab12"), BandwidthProvided: 5, TokensEarned: 50, IsActive: true, RegistrationTime: 1000},
		},
		stats:  types.NetworkStats{TotalNodes: 1, ActiveNodes: 1, TotalBandwidth: 5, TotalTokensDistributed: 50},
		status: types.LedgerStatus{Height: 9, Sequence: 9, LiveUntil: 5002, LastNodeID: 1},
		height: 9,
	}

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dvr_test_total", Help: "test"})
	counter.Inc()
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(counter)

	l := logger.New(100, nil)
	svc := NewService(Options{
		Registry:   reg,
		Store:      st,
		Logger:     l,
		Gatherer:   gatherer,
		MaxBackups: 3,
	})

	return &testEnv{svc: svc, server: svc.NewServer(), reg: reg, store: st, log: l}
}

func (e *testEnv) do(method, target string) *httptest.ResponseRecorder {
	return e.doWithHeaders(method, target, nil)
}

func (e *testEnv) doWithHeaders(method, target string, headers http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}
