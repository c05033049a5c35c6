// Package zkalloc leases worker slots from ZooKeeper.
//
// Every slot of a service is a persistent node under /gflake/<service>
// holding the owner and the owner's last heartbeat time. An instance first
// recovers the slot it owned before, then creates the lowest missing slot
// node, and finally takes over a node whose owner stopped heartbeating.
package zkalloc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Lzww0608/gflake"
	"github.com/Lzww0608/gflake/workerid"
	"github.com/go-zookeeper/zk"
)

// RootPath is the parent of all service paths.
const RootPath = "/gflake"

// DefaultLeaseTTL is how long a slot stays leased without heartbeats.
const DefaultLeaseTTL = 30 * time.Second

const slotPrefix = "slot-"

// Conn is the subset of *zk.Conn used by the allocator.
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
}

var _ Conn = (*zk.Conn)(nil)

// nodeInfo is the JSON payload of a slot node.
type nodeInfo struct {
	Owner      string `json:"owner"`
	LastTime   int64  `json:"last_time"`
	CreateTime int64  `json:"create_time"`
}

// Allocator implements workerid.Allocator on top of ZooKeeper.
type Allocator struct {
	conn     Conn
	service  string
	owner    string
	leaseTTL time.Duration
	clock    gflake.Clock
	acl      []zk.ACL
	logger   *slog.Logger
}

var _ workerid.Allocator = (*Allocator)(nil)

// Option configures an Allocator.
type Option func(*Allocator)

// WithLeaseTTL sets how long a silent owner keeps its slot.
func WithLeaseTTL(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.leaseTTL = d
		}
	}
}

// WithClock sets the clock used for lease times.
func WithClock(c gflake.Clock) Option {
	return func(a *Allocator) { a.clock = c }
}

// WithACL sets the ACL of created nodes. The default is world-writable.
func WithACL(acl []zk.ACL) Option {
	return func(a *Allocator) { a.acl = acl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an allocator for service. An empty owner gets a random identity;
// use a stable one (e.g. host:port) so a restarted instance recovers its slot.
func New(conn Conn, service, owner string, opts ...Option) (*Allocator, error) {
	if service == "" || strings.Contains(service, "/") {
		return nil, fmt.Errorf("zkalloc: invalid service name %q", service)
	}
	if owner == "" {
		owner = workerid.NewOwner()
	}
	a := &Allocator{
		conn:     conn,
		service:  service,
		owner:    owner,
		leaseTTL: DefaultLeaseTTL,
		clock:    gflake.SystemClock,
		acl:      zk.WorldACL(zk.PermAll),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("service", service), slog.String("owner", owner))
	return a, nil
}

// Dial connects to a ZooKeeper ensemble. The client's own log output goes
// to logger.
func Dial(servers []string, sessionTimeout time.Duration, logger *slog.Logger) (*zk.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, fmt.Errorf("zkalloc: connect %v: %w", servers, err)
	}
	return conn, nil
}

type zkLogger struct{ l *slog.Logger }

func (z zkLogger) Printf(format string, args ...any) {
	z.l.Debug(fmt.Sprintf(format, args...), slog.String("component", "zk"))
}

// Owner returns the owner identity written into slot nodes.
func (a *Allocator) Owner() string { return a.owner }

// ServicePath returns the parent node of the service's slots.
func (a *Allocator) ServicePath() string { return RootPath + "/" + a.service }

func (a *Allocator) slotPath(slot int) string {
	return fmt.Sprintf("%s/%s%04d", a.ServicePath(), slotPrefix, slot)
}

// Acquire leases a slot.
func (a *Allocator) Acquire(ctx context.Context) (workerid.Assignment, error) {
	if err := a.ensurePath(RootPath); err != nil {
		return workerid.Assignment{}, err
	}
	if err := a.ensurePath(a.ServicePath()); err != nil {
		return workerid.Assignment{}, err
	}

	children, _, err := a.conn.Children(a.ServicePath())
	if err != nil {
		return workerid.Assignment{}, fmt.Errorf("zkalloc: list slots: %w", err)
	}
	taken := make(map[int]bool, len(children))
	slots := make([]int, 0, len(children))
	for _, name := range children {
		slot, ok := parseSlot(name)
		if !ok {
			continue
		}
		taken[slot] = true
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	now := a.clock.NowMillis()
	type staleNode struct {
		slot    int
		info    nodeInfo
		version int32
	}
	var stale []staleNode

	// Recover our own slot first.
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return workerid.Assignment{}, err
		}
		info, stat, err := a.read(slot)
		if errors.Is(err, zk.ErrNoNode) {
			delete(taken, slot)
			continue
		}
		if err != nil {
			return workerid.Assignment{}, err
		}
		if info.Owner == a.owner {
			return a.recover(slot, info, stat.Version, now)
		}
		if time.Duration(now-info.LastTime)*time.Millisecond > a.leaseTTL {
			stale = append(stale, staleNode{slot: slot, info: info, version: stat.Version})
		}
	}

	// Then the lowest slot nobody ever registered.
	for slot := 0; slot < workerid.Slots; slot++ {
		if taken[slot] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return workerid.Assignment{}, err
		}
		data, _ := json.Marshal(nodeInfo{Owner: a.owner, LastTime: now, CreateTime: now})
		_, err := a.conn.Create(a.slotPath(slot), data, 0, a.acl)
		if errors.Is(err, zk.ErrNodeExists) {
			continue
		}
		if err != nil {
			return workerid.Assignment{}, fmt.Errorf("zkalloc: create slot %d: %w", slot, err)
		}
		a.logger.Info("registered new slot", slog.Int("slot", slot))
		return workerid.NewAssignment(slot, a.owner, now)
	}

	// Finally take over an expired lease. The version check makes sure only
	// one contender wins.
	for _, n := range stale {
		info := n.info
		previous := info.Owner
		info.Owner = a.owner
		info.LastTime = now
		data, _ := json.Marshal(info)
		_, err := a.conn.Set(a.slotPath(n.slot), data, n.version)
		if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return workerid.Assignment{}, fmt.Errorf("zkalloc: take over slot %d: %w", n.slot, err)
		}
		a.logger.Info("took over expired slot", slog.Int("slot", n.slot), slog.String("previous_owner", previous))
		return workerid.NewAssignment(n.slot, a.owner, now)
	}

	return workerid.Assignment{}, workerid.ErrNoFreeSlot
}

func (a *Allocator) recover(slot int, info nodeInfo, version int32, now int64) (workerid.Assignment, error) {
	if now < info.LastTime {
		a.logger.Warn("clock is behind the recorded lease time",
			slog.Int("slot", slot), slog.Int64("now", now), slog.Int64("last_time", info.LastTime))
		return workerid.Assignment{}, fmt.Errorf("%w: slot %d: %d < %d", workerid.ErrClockBehindLease, slot, now, info.LastTime)
	}
	info.LastTime = now
	data, _ := json.Marshal(info)
	if _, err := a.conn.Set(a.slotPath(slot), data, version); err != nil {
		return workerid.Assignment{}, fmt.Errorf("zkalloc: recover slot %d: %w", slot, err)
	}
	a.logger.Info("recovered slot", slog.Int("slot", slot))
	return workerid.NewAssignment(slot, a.owner, now)
}

// Heartbeat records nowMillis as the lease time of as. The recorded time
// never moves backwards.
func (a *Allocator) Heartbeat(ctx context.Context, as workerid.Assignment, nowMillis int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, stat, err := a.owned(as)
	if errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("%w: slot %d was deleted", workerid.ErrNotOwner, as.Slot)
	}
	if err != nil {
		return err
	}
	if nowMillis < info.LastTime {
		return fmt.Errorf("%w: slot %d: %d < %d", workerid.ErrClockBehindLease, as.Slot, nowMillis, info.LastTime)
	}
	info.LastTime = nowMillis
	data, _ := json.Marshal(info)
	_, err = a.conn.Set(a.slotPath(as.Slot), data, stat.Version)
	switch {
	case errors.Is(err, zk.ErrBadVersion), errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: slot %d changed during heartbeat", workerid.ErrNotOwner, as.Slot)
	case err != nil:
		return fmt.Errorf("zkalloc: heartbeat slot %d: %w", as.Slot, err)
	}
	return nil
}

// Release deletes the slot node if it is still owned by as.Owner.
func (a *Allocator) Release(ctx context.Context, as workerid.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stat, err := a.owned(as)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	err = a.conn.Delete(a.slotPath(as.Slot), stat.Version)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("zkalloc: release slot %d: %w", as.Slot, err)
	}
	return nil
}

func (a *Allocator) owned(as workerid.Assignment) (nodeInfo, *zk.Stat, error) {
	info, stat, err := a.read(as.Slot)
	if err != nil {
		return nodeInfo{}, nil, err
	}
	if info.Owner != as.Owner {
		return nodeInfo{}, nil, fmt.Errorf("%w: slot %d is held by %s", workerid.ErrNotOwner, as.Slot, info.Owner)
	}
	return info, stat, nil
}

func (a *Allocator) read(slot int) (nodeInfo, *zk.Stat, error) {
	data, stat, err := a.conn.Get(a.slotPath(slot))
	if err != nil {
		return nodeInfo{}, nil, fmt.Errorf("zkalloc: read slot %d: %w", slot, err)
	}
	var info nodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nodeInfo{}, nil, fmt.Errorf("zkalloc: decode slot %d: %w", slot, err)
	}
	return info, stat, nil
}

func (a *Allocator) ensurePath(path string) error {
	exists, _, err := a.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("zkalloc: check %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = a.conn.Create(path, []byte{}, 0, a.acl)
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("zkalloc: create %s: %w", path, err)
	}
	return nil
}

func parseSlot(name string) (int, bool) {
	if !strings.HasPrefix(name, slotPrefix) {
		return 0, false
	}
	slot, err := strconv.Atoi(strings.TrimPrefix(name, slotPrefix))
	if err != nil || slot < 0 || slot >= workerid.Slots {
		return 0, false
	}
	return slot, true
}
