package node_test

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BamaHodl/Fulcrum/config"
	"github.com/BamaHodl/Fulcrum/libs/log"
	"github.com/BamaHodl/Fulcrum/node"
	"github.com/BamaHodl/Fulcrum/types"
)

// fakeBitcoind answers just enough JSON-RPC to let a node sync a small
// synthetic chain.
func fakeBitcoind(t *testing.T, tip int64) *httptest.Server {
	t.Helper()

	type request struct {
		ID     int64         `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "getblockcount":
			result = tip
		case "getblockhash":
			height := int64(req.Params[0].(float64))
			b := make([]byte, 32)
			binary.BigEndian.PutUint64(b[24:], uint64(height))
			result = hex.EncodeToString(b)
		case "getblockheader":
			hash, err := hex.DecodeString(req.Params[0].(string))
			require.NoError(t, err)
			height := binary.BigEndian.Uint64(hash[24:])
			b := make([]byte, types.RawHeaderLen)
			binary.BigEndian.PutUint64(b[:8], height)
			result = hex.EncodeToString(b)
		default:
			t.Errorf("unexpected method %q", req.Method)
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func testNodeConfig(t *testing.T, remote string) *config.Config {
	cfg := config.TestConfig()
	cfg.SetRoot(t.TempDir())
	cfg.DBBackend = "memdb"
	cfg.Node.Remote = remote
	return cfg
}

func TestNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testNodeConfig(t, "http://127.0.0.1:8332")
	cfg.Sync.Parallelism = 0

	_, err := node.New(cfg, log.NewTestingLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNodeSyncsAndServes(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 15*time.Second))

	btc := fakeBitcoind(t, 25)
	t.Cleanup(btc.Close)

	cfg := testNodeConfig(t, btc.URL)

	n, err := node.New(cfg, log.NewTestingLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		if n.IsRunning() {
			_ = n.Stop()
		}
		n.Wait()
	})

	require.Eventually(t, func() bool {
		s := n.Controller().Stats()
		return s.State == "up-to-date" && s.LocalHeight == 26 && s.ServingEnabled
	}, 10*time.Second, 25*time.Millisecond)
}
