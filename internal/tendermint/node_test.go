package tendermint

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	abci "github.com/tendermint/tendermint/abci/types"
)

func TestNewABCIServerDefaults(t *testing.T) {
	_, err := NewABCIServer(nil, &Config{})
	assert.Error(t, err)

	_, err = NewABCIServer(abci.NewBaseApplication(), nil)
	assert.Error(t, err)

	srv, err := NewABCIServer(abci.NewBaseApplication(), &Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSocket, srv.SocketPath())
	assert.False(t, srv.IsRunning())
}

func TestUnixSocketPath(t *testing.T) {
	path, ok := unixSocketPath("unix:///tmp/dvr.sock")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/dvr.sock", path)

	_, ok = unixSocketPath("tcp://127.0.0.1:26658")
	assert.False(t, ok)
}

func TestLogAdapterWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	NewLogAdapter(l).With("module", "abci-server").Info("Accepted a new connection", "addr", "dvr.sock", "dangling")

	out := buf.String()
	assert.Contains(t, out, `"module":"abci-server"`)
	assert.Contains(t, out, `"addr":"dvr.sock"`)
	assert.Contains(t, out, `"dangling":"(MISSING)"`)
}

func TestGetTendermintCommand(t *testing.T) {
	cmd := GetTendermintCommand(context.Background(), "/var/lib/dvr/tm", "")
	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "node --home /var/lib/dvr/tm")
	assert.Contains(t, args, "--proxy_app "+DefaultSocket)

	t.Setenv("TMHOME", "/srv/tm")
	assert.Equal(t, "/srv/tm", TendermintHome())
}
