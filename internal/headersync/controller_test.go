package headersync

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BamaHodl/Fulcrum/config"
	"github.com/BamaHodl/Fulcrum/libs/log"
	rpcclient "github.com/BamaHodl/Fulcrum/rpc/client"
	"github.com/BamaHodl/Fulcrum/types"
)

// fakeNode serves the three RPC methods the controller and its download
// tasks issue, with per-height fault injection.
type fakeNode struct {
	mtx       sync.Mutex
	tip       int64
	tipErr    error
	hashErrs  map[int64]error
	requested map[int64]int
}

func newFakeNode(tip int64) *fakeNode {
	return &fakeNode{
		tip:       tip,
		hashErrs:  make(map[int64]error),
		requested: make(map[int64]int),
	}
}

func (f *fakeNode) setTip(tip int64)              { f.mtx.Lock(); defer f.mtx.Unlock(); f.tip = tip }
func (f *fakeNode) setTipErr(err error)           { f.mtx.Lock(); defer f.mtx.Unlock(); f.tipErr = err }
func (f *fakeNode) failHash(h int64, err error)   { f.mtx.Lock(); defer f.mtx.Unlock(); f.hashErrs[h] = err }
func (f *fakeNode) clearHashFailure(height int64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.hashErrs, height)
}

func (f *fakeNode) hashRequests(height int64) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.requested[height]
}

func (f *fakeNode) Call(ctx context.Context, method string, params, result interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()

	switch method {
	case "getblockcount":
		if f.tipErr != nil {
			return f.tipErr
		}
		*(result.(*int64)) = f.tip
	case "getblockhash":
		height := params.([]interface{})[0].(int64)
		f.requested[height]++
		if err, ok := f.hashErrs[height]; ok {
			return err
		}
		*(result.(*string)) = testBlockHash(height)
	case "getblockheader":
		hash, err := hex.DecodeString(params.([]interface{})[0].(string))
		if err != nil || len(hash) != 32 {
			return fmt.Errorf("bad hash parameter")
		}
		height := int64(binary.BigEndian.Uint64(hash[24:]))
		*(result.(*string)) = testRawHeader(height)
	default:
		return fmt.Errorf("unexpected method %q", method)
	}
	return nil
}

func testBlockHash(height int64) string {
	b := make([]byte, 32)
	binary.BigEndian.PutUint64(b[24:], uint64(height))
	return hex.EncodeToString(b)
}

func testRawHeader(height int64) string {
	b := make([]byte, types.RawHeaderLen)
	binary.BigEndian.PutUint64(b[:8], uint64(height))
	return hex.EncodeToString(b)
}

// stubStore counts contiguous headers from a synthetic starting height, like
// the real index does from genesis.
type stubStore struct {
	mtx   sync.Mutex
	count int64
	have  map[int64]types.Header
}

func newStubStore(count int64) *stubStore {
	return &stubStore{count: count, have: make(map[int64]types.Header)}
}

func (s *stubStore) NumHeaders() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.count
}

func (s *stubStore) Commit(headers []types.Header) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, h := range headers {
		if err := h.ValidateBasic(); err != nil {
			return err
		}
		s.have[h.Height] = h
	}
	for {
		if _, ok := s.have[s.count]; !ok {
			return nil
		}
		s.count++
	}
}

// chanListener forwards status signals into channels; callbacks never block
// because the channels are generously buffered.
type chanListener struct {
	syncCh chan time.Time
	upCh   chan time.Time
	failCh chan error
}

func newChanListener() *chanListener {
	return &chanListener{
		syncCh: make(chan time.Time, 16),
		upCh:   make(chan time.Time, 16),
		failCh: make(chan error, 16),
	}
}

func (l *chanListener) Synchronizing()        { l.syncCh <- time.Now() }
func (l *chanListener) UpToDate()             { l.upCh <- time.Now() }
func (l *chanListener) SyncFailure(err error) { l.failCh <- err }

// servingStub records when the controller enables serving.
type servingStub struct {
	mtx     sync.Mutex
	started int
	ch      chan struct{}
}

func newServingStub() *servingStub { return &servingStub{ch: make(chan struct{}, 4)} }

func (s *servingStub) StartServing(ctx context.Context) error {
	s.mtx.Lock()
	s.started++
	s.mtx.Unlock()
	s.ch <- struct{}{}
	return nil
}

func (s *servingStub) startCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.started
}

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		PollInterval:    100 * time.Millisecond,
		Parallelism:     4,
		HeadersPerBatch: 8,
	}
}

func startController(
	ctx context.Context,
	t *testing.T,
	cfg *config.SyncConfig,
	fn *fakeNode,
	st *stubStore,
	serving ServingControl,
	listeners ...StatusListener,
) *Controller {
	t.Helper()
	c := NewController(log.NewTestingLogger(t), cfg, fn, st, serving, NopMetrics(), listeners...)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		if c.IsRunning() {
			_ = c.Stop()
		}
		c.Wait()
	})
	return c
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func assertQuiet[T any](t *testing.T, ch <-chan T, d time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(d):
	}
}

func TestControllerSyncsMissingRange(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// local index holds heights [0, 100), the node reports tip 102, so the
	// missing range is [100, 103) split across at most 4 tasks
	fn := newFakeNode(102)
	st := newStubStore(100)
	listener := newChanListener()
	serving := newServingStub()

	c := startController(ctx, t, testSyncConfig(), fn, st, serving, listener)

	recv(t, listener.syncCh, "synchronizing signal")
	recv(t, listener.upCh, "up-to-date signal")
	recv(t, serving.ch, "serving start")

	assert.EqualValues(t, 103, st.NumHeaders())
	for h := int64(100); h < 103; h++ {
		assert.Equal(t, 1, fn.hashRequests(h), "height %d fetched more than once", h)
	}
	assert.Equal(t, 0, fn.hashRequests(103), "height beyond the target was fetched")

	// exactly one up-to-date per episode, and no fresh episode without a
	// new remote height
	assertQuiet(t, listener.upCh, 300*time.Millisecond, "second up-to-date signal")
	assertQuiet(t, listener.syncCh, 50*time.Millisecond, "second synchronizing signal")

	// the registry drains once the round is over
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.State == "up-to-date" && len(s.Tasks) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, serving.startCount())
}

func TestControllerAlreadyCaughtUp(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fn := newFakeNode(102)
	st := newStubStore(103)
	listener := newChanListener()
	serving := newServingStub()

	c := startController(ctx, t, testSyncConfig(), fn, st, serving, listener)

	// serving comes up even though no episode ran
	recv(t, serving.ch, "serving start")

	// polls that find nothing to do emit no signals at all
	assertQuiet(t, listener.syncCh, 300*time.Millisecond, "synchronizing signal")
	assertQuiet(t, listener.upCh, 50*time.Millisecond, "up-to-date signal")

	assert.Equal(t, "idle", c.Stats().State)
	assert.EqualValues(t, 103, st.NumHeaders())
}

func TestControllerRoundFailureRetries(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 15*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fn := newFakeNode(102)
	fn.failHash(102, &rpcclient.RPCError{Code: -32603, Message: "node is busy"})
	st := newStubStore(100)
	listener := newChanListener()
	serving := newServingStub()

	cfg := testSyncConfig()
	cfg.PollInterval = 250 * time.Millisecond
	c := startController(ctx, t, cfg, fn, st, serving, listener)

	recv(t, listener.syncCh, "synchronizing signal")
	err := recv(t, listener.failCh, "failure signal")
	require.ErrorContains(t, err, "node is busy")

	// the index must not have advanced past the gap
	assert.LessOrEqual(t, st.NumHeaders(), int64(102))

	// wait for the failed round to fully clear (every task finished)
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.State == "failed" && len(s.Tasks) == 0
	}, 5*time.Second, 2*time.Millisecond)
	clearedAt := time.Now()

	fn.clearHashFailure(102)

	// retry begins a fresh episode, no sooner than one full poll interval
	// after the failed round cleared (small epsilon for timer jitter and
	// the clearing observation lag above)
	resumedAt := recv(t, listener.syncCh, "retry synchronizing signal")
	assert.GreaterOrEqual(t, resumedAt.Sub(clearedAt), cfg.PollInterval-50*time.Millisecond)

	recv(t, listener.upCh, "up-to-date signal")
	assert.EqualValues(t, 103, st.NumHeaders())
	assert.GreaterOrEqual(t, fn.hashRequests(102), 2)
	assert.Equal(t, 1, serving.startCount())
}

func TestControllerTipQueryFailure(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fn := newFakeNode(102)
	fn.setTipErr(fmt.Errorf("connection refused"))
	st := newStubStore(100)
	listener := newChanListener()

	c := startController(ctx, t, testSyncConfig(), fn, st, newServingStub(), listener)

	err := recv(t, listener.failCh, "failure signal")
	require.ErrorContains(t, err, "cannot query remote tip")
	assert.Equal(t, "failed", c.Stats().State)

	// recovery on a later poll
	fn.setTipErr(nil)
	recv(t, listener.syncCh, "synchronizing signal")
	recv(t, listener.upCh, "up-to-date signal")
	assert.EqualValues(t, 103, st.NumHeaders())
}

func TestControllerTriggerSync(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fn := newFakeNode(99)
	st := newStubStore(100)
	listener := newChanListener()

	cfg := testSyncConfig()
	cfg.PollInterval = time.Hour // polls never fire on their own

	c := startController(ctx, t, cfg, fn, st, newServingStub(), listener)
	assertQuiet(t, listener.syncCh, 100*time.Millisecond, "synchronizing signal")

	fn.setTip(102)
	c.TriggerSync()

	recv(t, listener.syncCh, "synchronizing signal")
	recv(t, listener.upCh, "up-to-date signal")
	assert.EqualValues(t, 103, st.NumHeaders())
}

func TestControllerStatsSnapshot(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fn := newFakeNode(102)
	st := newStubStore(100)
	listener := newChanListener()

	c := startController(ctx, t, testSyncConfig(), fn, st, newServingStub(), listener)
	recv(t, listener.upCh, "up-to-date signal")

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.State == "up-to-date" &&
			s.LocalHeight == 103 &&
			s.TargetHeight == 103 &&
			s.HeadersDownloaded == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeferredStartsSurviveRoundAbort(t *testing.T) {
	ctx := context.Background()

	fn := newFakeNode(200)
	st := newStubStore(100)
	c := NewController(log.NewTestingLogger(t), testSyncConfig(), fn, st, nil, NopMetrics())

	// a round whose tasks never launch, aborted wholesale: the deferred
	// start ids outlive their registry entries
	c.startRound(ctx, 100, 104)
	r := c.round
	r.failed = true
	c.abortRound(r, 0)
	c.round = nil
	require.Equal(t, 0, c.reg.len())
	require.Len(t, c.pendingStarts, 4)

	// leftover ids are skipped, never launched
	c.launchPending(ctx)
	require.Empty(t, c.pendingStarts)
	require.Equal(t, 0, c.reg.len())

	// and queuing a fresh full-parallelism round can never block, even with
	// stale ids still pending: the controller is the queue's only consumer
	c.startRound(ctx, 100, 104)
	queued := make(chan struct{})
	go func() {
		c.startRound(ctx, 104, 108)
		close(queued)
	}()
	select {
	case <-queued:
	case <-time.After(2 * time.Second):
		t.Fatal("startRound blocked while queuing deferred task starts")
	}
}

func TestControllerShutdown(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fn := newFakeNode(1_000_000) // a sync that will not finish quickly
	st := newStubStore(0)

	c := startController(ctx, t, testSyncConfig(), fn, st, newServingStub())

	// give the round a moment to spin up tasks, then shut down mid-flight
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop())
	c.Wait()
}
