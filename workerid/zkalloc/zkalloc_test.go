package zkalloc

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lzww0608/gflake/workerid"
	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	data    []byte
	version int32
}

// fakeConn is an in-memory ZooKeeper tree with the version semantics the
// allocator relies on.
type fakeConn struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string]*fakeNode{"/": {}}}
}

func (c *fakeConn) Exists(p string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return false, nil, nil
	}
	return true, &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Children(p string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	var names []string
	for k := range c.nodes {
		if k != p && path.Dir(k) == p {
			names = append(names, path.Base(k))
		}
	}
	sort.Strings(names)
	return names, &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Get(p string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return append([]byte(nil), n.data...), &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Create(p string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	if _, ok := c.nodes[path.Dir(p)]; !ok {
		return "", zk.ErrNoNode
	}
	c.nodes[p] = &fakeNode{data: append([]byte(nil), data...)}
	return p, nil
}

func (c *fakeConn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	return &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Delete(p string, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	delete(c.nodes, p)
	return nil
}

func (c *fakeConn) info(t *testing.T, p string) nodeInfo {
	t.Helper()
	data, _, err := c.Get(p)
	require.NoError(t, err)
	var info nodeInfo
	require.NoError(t, json.Unmarshal(data, &info))
	return info
}

type fakeClock struct{ ms atomic.Int64 }

func newFakeClock(ms int64) *fakeClock {
	c := &fakeClock{}
	c.ms.Store(ms)
	return c
}

func (c *fakeClock) NowMillis() int64        { return c.ms.Load() }
func (c *fakeClock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func newAllocator(t *testing.T, conn Conn, owner string, clock *fakeClock) *Allocator {
	t.Helper()
	a, err := New(conn, "orders", owner, WithClock(clock), WithLeaseTTL(10*time.Second))
	require.NoError(t, err)
	return a
}

func TestNewValidatesService(t *testing.T) {
	_, err := New(newFakeConn(), "", "a")
	assert.Error(t, err)
	_, err = New(newFakeConn(), "a/b", "a")
	assert.Error(t, err)

	a, err := New(newFakeConn(), "orders", "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.Owner())
	assert.Equal(t, "/gflake/orders", a.ServicePath())
}

func TestAcquireRegistersLowestSlots(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	ctx := context.Background()

	first, err := newAllocator(t, conn, "host-a:8080", clock).Acquire(ctx)
	require.NoError(t, err)
	second, err := newAllocator(t, conn, "host-b:8080", clock).Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, first.Slot)
	assert.Equal(t, 1, second.Slot)
	assert.Equal(t, int64(0), second.ProcessID)
	assert.Equal(t, int64(1), second.WorkerSeed)
	assert.Equal(t, int64(1_000_000), first.LastTimestamp)

	info := conn.info(t, "/gflake/orders/slot-0001")
	assert.Equal(t, "host-b:8080", info.Owner)
	assert.Equal(t, int64(1_000_000), info.CreateTime)
}

func TestAcquireRecoversOwnSlot(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	ctx := context.Background()

	_, err := newAllocator(t, conn, "host-a:8080", clock).Acquire(ctx)
	require.NoError(t, err)
	b, err := newAllocator(t, conn, "host-b:8080", clock).Acquire(ctx)
	require.NoError(t, err)

	clock.Advance(time.Second)
	again, err := newAllocator(t, conn, "host-b:8080", clock).Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.Slot, again.Slot)
	assert.Equal(t, int64(1_001_000), conn.info(t, "/gflake/orders/slot-0001").LastTime)
}

func TestAcquireRefusesClockBehindLease(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	ctx := context.Background()

	a := newAllocator(t, conn, "host-a:8080", clock)
	as, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Heartbeat(ctx, as, 1_005_000))

	_, err = newAllocator(t, conn, "host-a:8080", clock).Acquire(ctx)
	assert.ErrorIs(t, err, workerid.ErrClockBehindLease)
}

// fill registers every slot of the orders service with the given owner.
func fill(t *testing.T, conn *fakeConn, owner string, lastTime int64) {
	t.Helper()
	for _, p := range []string{RootPath, RootPath + "/orders"} {
		_, err := conn.Create(p, nil, 0, nil)
		require.NoError(t, err)
	}
	data, err := json.Marshal(nodeInfo{Owner: owner, LastTime: lastTime, CreateTime: lastTime})
	require.NoError(t, err)
	for slot := 0; slot < workerid.Slots; slot++ {
		_, err := conn.Create(fmt.Sprintf("/gflake/orders/slot-%04d", slot), data, 0, nil)
		require.NoError(t, err)
	}
}

func TestAcquireTakesOverExpiredSlot(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	ctx := context.Background()
	fill(t, conn, "filler", 1_000_000)

	late := newAllocator(t, conn, "late", clock)
	_, err := late.Acquire(ctx)
	assert.ErrorIs(t, err, workerid.ErrNoFreeSlot)

	clock.Advance(11 * time.Second)
	as, err := late.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, as.Slot)

	info := conn.info(t, "/gflake/orders/slot-0000")
	assert.Equal(t, "late", info.Owner)
	assert.Equal(t, int64(1_011_000), info.LastTime)
	assert.Equal(t, int64(1_000_000), info.CreateTime)
}

func TestTakeoverLosesToConcurrentWriter(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	fill(t, conn, "filler", 0)

	_, err := newAllocator(t, &racyConn{fakeConn: conn}, "b", clock).Acquire(context.Background())
	assert.ErrorIs(t, err, workerid.ErrNoFreeSlot)
	assert.Equal(t, "filler", conn.info(t, "/gflake/orders/slot-0000").Owner)
}

// racyConn bumps the version of every node right after it is read, as if
// another instance wrote it in between.
type racyConn struct{ *fakeConn }

func (c *racyConn) Get(p string) ([]byte, *zk.Stat, error) {
	data, stat, err := c.fakeConn.Get(p)
	if err == nil {
		c.fakeConn.mu.Lock()
		c.fakeConn.nodes[p].version++
		c.fakeConn.mu.Unlock()
	}
	return data, stat, err
}

func TestHeartbeat(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	ctx := context.Background()

	a := newAllocator(t, conn, "a", clock)
	as, err := a.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Heartbeat(ctx, as, 1_003_000))
	assert.Equal(t, int64(1_003_000), conn.info(t, "/gflake/orders/slot-0000").LastTime)

	err = a.Heartbeat(ctx, as, 1_002_000)
	assert.ErrorIs(t, err, workerid.ErrClockBehindLease)
	assert.Equal(t, int64(1_003_000), conn.info(t, "/gflake/orders/slot-0000").LastTime)

	stolen := as
	stolen.Owner = "someone-else"
	assert.ErrorIs(t, a.Heartbeat(ctx, stolen, 1_004_000), workerid.ErrNotOwner)
}

func TestHeartbeatReportsLostNode(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	ctx := context.Background()

	as, err := newAllocator(t, conn, "a", clock).Acquire(ctx)
	require.NoError(t, err)

	racy := newAllocator(t, &racyConn{fakeConn: conn}, "a", clock)
	assert.ErrorIs(t, racy.Heartbeat(ctx, as, 1_001_000), workerid.ErrNotOwner)

	require.NoError(t, conn.Delete("/gflake/orders/slot-0000", -1))
	assert.ErrorIs(t, racy.Heartbeat(ctx, as, 1_002_000), workerid.ErrNotOwner)
}

func TestRelease(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	ctx := context.Background()

	a := newAllocator(t, conn, "a", clock)
	as, err := a.Acquire(ctx)
	require.NoError(t, err)

	other := as
	other.Owner = "b"
	assert.ErrorIs(t, a.Release(ctx, other), workerid.ErrNotOwner)

	require.NoError(t, a.Release(ctx, as))
	exists, _, err := conn.Exists("/gflake/orders/slot-0000")
	require.NoError(t, err)
	assert.False(t, exists)

	// releasing twice is fine
	require.NoError(t, a.Release(ctx, as))
}

func TestAcquireHonoursContext(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newAllocator(t, conn, "a", newFakeClock(1)).Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeeperWithZooKeeper(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock(1_000_000)
	a := newAllocator(t, conn, "a", clock)

	ctx, cancel := context.WithCancel(context.Background())
	gen, as, err := workerid.NewGenerator(ctx, a, 0)
	require.NoError(t, err)
	assert.Equal(t, as.ProcessID, gen.ProcessID())

	beats := make(chan error, 16)
	keeper := workerid.NewKeeper(a,
		workerid.WithInterval(time.Millisecond),
		workerid.WithKeeperClock(clock),
		workerid.WithHeartbeatHook(func(err error) {
			clock.Advance(time.Second)
			select {
			case beats <- err:
			default:
			}
		}),
	)
	done := make(chan error, 1)
	go func() { done <- keeper.Run(ctx, as) }()

	require.NoError(t, <-beats)
	require.NoError(t, <-beats)
	cancel()
	require.NoError(t, <-done)

	exists, _, err := conn.Exists("/gflake/orders/slot-0000")
	require.NoError(t, err)
	assert.False(t, exists)
}
