// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package nexus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/nexus/bdev"
	"github.com/cubefs/nexus/device"
	"github.com/cubefs/nexus/metadata"
	"github.com/cubefs/nexus/pstore"

	apierrors "github.com/cubefs/nexus/errors"
)

const (
	mib = 1 << 20

	testNexusUUID = "0d8e3e5c-3f5c-4e4b-9d6e-7b1f2c0e9a11"
	testBdevUUID  = "7a4b1c2d-5e6f-4a8b-9c0d-1e2f3a4b5c6d"
)

type faultyDevice struct {
	device.BlockDevice
	failReads  int32
	failWrites int32
}

func (d *faultyDevice) Open() (device.Handle, error) {
	h, err := d.BlockDevice.Open()
	if err != nil {
		return nil, err
	}
	return &faultyHandle{Handle: h, dev: d}, nil
}

type faultyHandle struct {
	device.Handle
	dev *faultyDevice
}

func (h *faultyHandle) Device() device.BlockDevice {
	return h.dev
}

func (h *faultyHandle) ReadAt(ctx context.Context, offset uint64, buf *device.DmaBuf) (uint64, error) {
	if atomic.LoadInt32(&h.dev.failReads) == 1 {
		return 0, &device.IoError{Op: "read", Device: h.dev.Name(), Offset: offset, Len: buf.Len(), Kind: apierrors.ErrIoFailed}
	}
	return h.Handle.ReadAt(ctx, offset, buf)
}

func (h *faultyHandle) WriteAt(ctx context.Context, offset uint64, buf *device.DmaBuf) (uint64, error) {
	if atomic.LoadInt32(&h.dev.failWrites) == 1 {
		return 0, &device.IoError{Op: "write", Device: h.dev.Name(), Offset: offset, Len: buf.Len(), Kind: apierrors.ErrIoFailed}
	}
	return h.Handle.WriteAt(ctx, offset, buf)
}

type memStore struct {
	sync.Mutex
	infos map[string]*pstore.NexusInfo
}

func newMemStore() *memStore {
	return &memStore{infos: make(map[string]*pstore.NexusInfo)}
}

func (s *memStore) Get(ctx context.Context, uuid string) (*pstore.NexusInfo, error) {
	s.Lock()
	defer s.Unlock()
	return s.infos[uuid], nil
}

func (s *memStore) Put(ctx context.Context, uuid string, info *pstore.NexusInfo) error {
	s.Lock()
	defer s.Unlock()
	s.infos[uuid] = info
	return nil
}

func (s *memStore) Delete(ctx context.Context, uuid string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.infos, uuid)
	return nil
}

func (s *memStore) List(ctx context.Context) (map[string]*pstore.NexusInfo, error) {
	s.Lock()
	defer s.Unlock()
	ret := make(map[string]*pstore.NexusInfo, len(s.infos))
	for k, v := range s.infos {
		ret[k] = v
	}
	return ret, nil
}

func (s *memStore) Close() {}

// testClock hands out strictly increasing timestamps.
type testClock struct {
	lock sync.Mutex
	t    time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1700000000, 0)}
}

func (c *testClock) now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newRegistry(t *testing.T, names ...string) (*bdev.Registry, map[string]*faultyDevice) {
	r := bdev.NewRegistry()
	t.Cleanup(func() { r.Close(context.TODO()) })
	devs := make(map[string]*faultyDevice)
	for _, name := range names {
		mem, err := device.NewMemDevice(name, "", 16*mib, 512)
		require.NoError(t, err)
		d := &faultyDevice{BlockDevice: mem}
		require.NoError(t, r.Register(d))
		devs[name] = d
	}
	return r, devs
}

func testConfig(children ...string) Config {
	return Config{Name: "nexus0", UUID: testNexusUUID, BdevUUID: testBdevUUID, Children: children}
}

// readCopy reads the metadata stored on dev outside of any nexus.
func readCopy(t *testing.T, dev device.BlockDevice) metadata.Metadata {
	h, err := dev.Open()
	require.NoError(t, err)
	defer h.Close()
	md, err := metadata.Read(context.TODO(), h)
	require.NoError(t, err)
	return md
}

func seedCopy(t *testing.T, dev device.BlockDevice, r *metadata.NexusRecord) {
	h, err := dev.Open()
	require.NoError(t, err)
	defer h.Close()
	buf, err := metadata.NewBuffer(metadata.NewV1(r))
	require.NoError(t, err)
	require.NoError(t, buf.Write(context.TODO(), h))
}

func childRecord(name string, state metadata.State) metadata.ChildRecord {
	return metadata.ChildRecord{Name: name, State: state}
}

// crash drops n without a final snapshot or store update, as a process exit
// would.
func crash(n *Nexus) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, c := range n.children {
		c.release()
	}
	n.state = NexusShutdown
}

func childStates(n *Nexus) map[string]ChildState {
	states := make(map[string]ChildState)
	for _, c := range n.Info().Children {
		states[c.Name] = c.State
	}
	return states
}

func TestState_Persisted(t *testing.T) {
	for s, want := range map[NexusState]metadata.State{
		NexusInit:          metadata.StateDirty,
		NexusClosed:        metadata.StateClosed,
		NexusOpen:          metadata.StateOpen,
		NexusReconfiguring: metadata.StateDirty,
		NexusShuttingDown:  metadata.StateDirty,
		NexusShutdown:      metadata.StateClosed,
	} {
		require.Equal(t, want, s.Persisted(), s.String())
	}
	for s, want := range map[ChildState]metadata.State{
		ChildInit:          metadata.StateDirty,
		ChildConfigInvalid: metadata.StateDirty,
		ChildOpen:          metadata.StateOpen,
		ChildDestroying:    metadata.StateDirty,
		ChildClosed:        metadata.StateClosed,
		ChildFaulted:       metadata.StateFaulted,
	} {
		require.Equal(t, want, s.Persisted(), s.String())
	}
	require.Equal(t, FaultOutOfSync, ParseFaultReason("out_of_sync"))
	require.Equal(t, FaultUnknown, ParseFaultReason("whatever"))
	require.Equal(t, FaultUnknown, ParseFaultReason(""))
}

func TestCreate_FreshChildren(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0", "m1", "m2")

	n, err := Create(ctx, testConfig("m0", "m1", "m2"), r, WithClock(newTestClock().now))
	require.NoError(t, err)
	require.Equal(t, NexusOpen, n.State())
	require.Equal(t, testNexusUUID, n.UUID())
	require.Equal(t, testBdevUUID, n.BdevUUID())

	info := n.Info()
	require.Len(t, info.Children, 3)
	require.Equal(t, uint64(512), info.BlockLen)
	require.Equal(t, info.Children[0].DataBlocks, info.NumBlocks)
	require.Equal(t, info.NumBlocks*512, n.Size())

	var ts time.Time
	for _, name := range []string{"m0", "m1", "m2"} {
		md := readCopy(t, devs[name])
		require.False(t, md.IsNone())
		rec := md.V1
		require.Equal(t, metadata.StateOpen, rec.State)
		require.Equal(t, testNexusUUID, rec.NexusUUID)
		require.Equal(t, "nexus0", rec.Name)
		require.Len(t, rec.Children, 3)
		for i, c := range rec.Children {
			require.Equal(t, metadata.StateOpen, c.State)
			require.Equal(t, info.Children[i].Name, c.Name)
			require.Equal(t, devs[c.Name].UUID(), *c.DeviceUUID)
			require.Equal(t, c.Name, *c.DeviceName)
		}
		if !ts.IsZero() {
			require.True(t, ts.Equal(rec.Timestamp))
		}
		ts = rec.Timestamp
	}
	require.NoError(t, n.Destroy(ctx))
}

func TestUpdateMetadata_ReadBack(t *testing.T) {
	ctx := context.TODO()
	r, _ := newRegistry(t, "m0", "m1")

	n, err := Create(ctx, testConfig("m0", "m1"), r, WithClock(newTestClock().now))
	require.NoError(t, err)
	defer n.Destroy(ctx)

	require.NoError(t, n.UpdateMetadata(ctx))
	copies := n.ReadChildrenMetadata(ctx)
	require.Len(t, copies, 2)

	n.lock.Lock()
	want := n.currentMetadata(n.state)
	n.lock.Unlock()
	for _, cp := range copies {
		got := cp.Metadata.V1
		require.NotNil(t, got)
		require.True(t, got.Timestamp.Before(want.Timestamp))
		require.Len(t, got.Children, len(want.Children))
		for i := range got.Children {
			require.Equal(t, want.Children[i].Name, got.Children[i].Name)
			require.Equal(t, want.Children[i].State, got.Children[i].State)
			require.Equal(t, want.Children[i].DeviceUUID, got.Children[i].DeviceUUID)
			require.True(t, got.Timestamp.Equal(got.Children[i].Timestamp))
		}
	}
	require.Equal(t, copies[0].Metadata, copies[1].Metadata)
}

func TestSelectLatest(t *testing.T) {
	ctx := context.TODO()
	t1 := time.Unix(1700000001, 0).UTC()
	t2 := t1.Add(time.Second)
	t3 := t2.Add(time.Second)

	rec := func(ts time.Time, nexusUUID string) metadata.Metadata {
		return metadata.NewV1(&metadata.NexusRecord{Timestamp: ts, NexusUUID: nexusUUID, BdevUUID: testBdevUUID})
	}
	copies := []ChildMetadata{
		{Child: "c0", Metadata: rec(t1, testNexusUUID)},
		{Child: "c1", Metadata: rec(t2.Add(time.Hour), "3c1f0b8e-0000-4000-8000-000000000000")},
		{Child: "c2", Metadata: rec(t3, testNexusUUID)},
		{Child: "c3", Metadata: metadata.None},
	}
	latest := SelectLatest(ctx, copies, testNexusUUID, testBdevUUID)
	require.NotNil(t, latest)
	require.True(t, t3.Equal(latest.Timestamp))

	// a different bdev uuid is a different nexus as well
	latest = SelectLatest(ctx, copies, testNexusUUID, testNexusUUID)
	require.Nil(t, latest)

	// ties go to the first copy
	a, b := rec(t1, testNexusUUID), rec(t1, testNexusUUID)
	latest = SelectLatest(ctx, []ChildMetadata{{Child: "a", Metadata: a}, {Child: "b", Metadata: b}}, testNexusUUID, testBdevUUID)
	require.Same(t, a.V1, latest)

	require.Nil(t, SelectLatest(ctx, []ChildMetadata{{Child: "c", Metadata: metadata.None}}, testNexusUUID, testBdevUUID))
}

func TestCreate_QuorumClosesUntrustedChildren(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0", "m1", "m2")

	t1 := time.Unix(1700000001, 0).UTC()
	t2 := t1.Add(time.Second)
	t3 := t2.Add(time.Second)
	seedCopy(t, devs["m0"], &metadata.NexusRecord{
		Timestamp: t1, State: metadata.StateOpen, NexusUUID: testNexusUUID, BdevUUID: testBdevUUID,
		Children: []metadata.ChildRecord{
			childRecord("m0", metadata.StateOpen),
			childRecord("m1", metadata.StateFaulted),
			childRecord("m2", metadata.StateOpen),
		},
	})
	// newer but written by another nexus
	seedCopy(t, devs["m1"], &metadata.NexusRecord{
		Timestamp: t3.Add(time.Hour), State: metadata.StateOpen, NexusUUID: "3c1f0b8e-0000-4000-8000-000000000000", BdevUUID: testBdevUUID,
		Children: []metadata.ChildRecord{
			childRecord("m0", metadata.StateFaulted),
			childRecord("m1", metadata.StateFaulted),
			childRecord("m2", metadata.StateFaulted),
		},
	})
	seedCopy(t, devs["m2"], &metadata.NexusRecord{
		Timestamp: t3, State: metadata.StateDirty, NexusUUID: testNexusUUID, BdevUUID: testBdevUUID,
		Children: []metadata.ChildRecord{
			childRecord("m0", metadata.StateFaulted),
			childRecord("m1", metadata.StateOpen),
			childRecord("m2", metadata.StateOpen),
			childRecord("gone", metadata.StateClosed),
		},
	})

	n, err := Create(ctx, testConfig("m0", "m1", "m2"), r, WithClock(newTestClock().now))
	require.NoError(t, err)
	defer n.Destroy(ctx)

	require.Equal(t, map[string]ChildState{
		"m0": ChildClosed,
		"m1": ChildOpen,
		"m2": ChildOpen,
	}, childStates(n))

	// the closed child is not written and stays recorded as closed
	old := readCopy(t, devs["m0"])
	require.True(t, t1.Equal(old.V1.Timestamp))
	rec := readCopy(t, devs["m1"]).V1
	require.Equal(t, metadata.StateOpen, rec.State)
	c, ok := rec.Child("m0")
	require.True(t, ok)
	require.Equal(t, metadata.StateClosed, c.State)
	require.Nil(t, c.DeviceName)
	require.Nil(t, c.DeviceUUID)
}

func TestCreate_NoHealthyChildLeft(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0")
	seedCopy(t, devs["m0"], &metadata.NexusRecord{
		Timestamp: time.Unix(1700000001, 0).UTC(), NexusUUID: testNexusUUID, BdevUUID: testBdevUUID,
		Children: []metadata.ChildRecord{childRecord("m0", metadata.StateFaulted)},
	})
	_, err := Create(ctx, testConfig("m0"), r)
	require.ErrorIs(t, err, apierrors.ErrNotEnoughDevices)
}

func TestCreate_Errors(t *testing.T) {
	ctx := context.TODO()
	r, _ := newRegistry(t, "m0", "m1")

	_, err := Create(ctx, testConfig("m0", "missing"), r)
	require.ErrorIs(t, err, apierrors.ErrDeviceNotFound)

	small, err := device.NewMemDevice("small", "", mib, 512)
	require.NoError(t, err)
	require.NoError(t, r.Register(small))
	_, err = Create(ctx, testConfig("m0", "small"), r)
	require.ErrorIs(t, err, apierrors.ErrBadPartitions)

	big, err := device.NewMemDevice("big", "", 16*mib, 4096)
	require.NoError(t, err)
	require.NoError(t, r.Register(big))
	_, err = Create(ctx, testConfig("m0", "big"), r)
	require.ErrorIs(t, err, apierrors.ErrDeviceBlockLengthMismatch)

	_, err = Create(ctx, testConfig("m0", "m0"), r)
	require.ErrorIs(t, err, apierrors.ErrChildExists)
	_, err = Create(ctx, testConfig(), r)
	require.ErrorIs(t, err, apierrors.ErrNotEnoughDevices)
	cfg := testConfig("m0")
	cfg.UUID = "not-a-uuid"
	_, err = Create(ctx, cfg, r)
	require.ErrorIs(t, err, apierrors.ErrInvalidConfig)

	// failed creates leave the devices usable
	cfg = testConfig("m0", "m1")
	cfg.UUID = ""
	cfg.BdevUUID = ""
	n, err := Create(ctx, cfg, r)
	require.NoError(t, err)
	require.NotEmpty(t, n.UUID())
	require.Equal(t, n.UUID(), n.BdevUUID())
	require.NoError(t, n.Destroy(ctx))
}

func TestCreate_RequestedSize(t *testing.T) {
	ctx := context.TODO()
	r, _ := newRegistry(t, "m0")
	cfg := testConfig("m0")
	cfg.Size = 2 * mib
	n, err := Create(ctx, cfg, r)
	require.NoError(t, err)
	defer n.Destroy(ctx)
	require.Equal(t, uint64(2*mib), n.Size())
	require.Equal(t, uint64(2*mib), n.Info().RequestedSize)
}

func TestNexus_Lifecycle(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0", "m1", "m2", "m3")
	clock := newTestClock()

	n, err := Create(ctx, testConfig("m0", "m1", "m2"), r, WithClock(clock.now))
	require.NoError(t, err)

	// add
	require.ErrorIs(t, n.AddChild(ctx, "m1"), apierrors.ErrChildExists)
	require.ErrorIs(t, n.AddChild(ctx, "m9"), apierrors.ErrDeviceNotFound)
	require.NoError(t, n.AddChild(ctx, "m3"))
	require.Equal(t, NexusOpen, n.State())
	rec := readCopy(t, devs["m3"]).V1
	require.Len(t, rec.Children, 4)

	// fault: the faulted child keeps its last copy
	require.ErrorIs(t, n.FaultChild(ctx, "m9", FaultIoFailure), apierrors.ErrChildNotFound)
	require.NoError(t, n.FaultChild(ctx, "m1", FaultIoFailure))
	require.ErrorIs(t, n.FaultChild(ctx, "m1", FaultIoFailure), apierrors.ErrInvalidState)
	stale := readCopy(t, devs["m1"]).V1
	require.NoError(t, n.UpdateMetadata(ctx))
	require.True(t, stale.Timestamp.Equal(readCopy(t, devs["m1"]).V1.Timestamp))
	rec = readCopy(t, devs["m0"]).V1
	c, ok := rec.Child("m1")
	require.True(t, ok)
	require.Equal(t, metadata.StateFaulted, c.State)
	info := n.Info()
	require.Equal(t, FaultIoFailure, info.Children[1].FaultReason)

	// close
	require.NoError(t, n.CloseChild(ctx, "m2"))
	require.Equal(t, ChildClosed, childStates(n)["m2"])

	// remove
	require.NoError(t, n.RemoveChild(ctx, "m2"))
	require.ErrorIs(t, n.RemoveChild(ctx, "m2"), apierrors.ErrChildNotFound)
	require.NoError(t, n.RemoveChild(ctx, "m3"))
	require.ErrorIs(t, n.RemoveChild(ctx, "m0"), apierrors.ErrLastHealthyChild)
	rec = readCopy(t, devs["m0"]).V1
	require.Len(t, rec.Children, 2)

	// destroy records a closed nexus with the live child states
	require.NoError(t, n.Destroy(ctx))
	require.Equal(t, NexusShutdown, n.State())
	require.NoError(t, n.Destroy(ctx))
	require.ErrorIs(t, n.AddChild(ctx, "m2"), apierrors.ErrInvalidState)
	rec = readCopy(t, devs["m0"]).V1
	require.Equal(t, metadata.StateClosed, rec.State)
	c, ok = rec.Child("m0")
	require.True(t, ok)
	require.Equal(t, metadata.StateOpen, c.State)

	// reopen trusts only the child recorded open
	n, err = Create(ctx, testConfig("m0", "m1"), r, WithClock(clock.now))
	require.NoError(t, err)
	require.Equal(t, map[string]ChildState{"m0": ChildOpen, "m1": ChildClosed}, childStates(n))
	require.NoError(t, n.Destroy(ctx))
}

func TestNexus_CrashReopen(t *testing.T) {
	ctx := context.TODO()
	r, _ := newRegistry(t, "m0", "m1", "m2")
	clock := newTestClock()

	n, err := Create(ctx, testConfig("m0", "m1", "m2"), r, WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, n.FaultChild(ctx, "m2", FaultOutOfSync))

	crash(n)
	n2, err := Create(ctx, testConfig("m0", "m1", "m2"), r, WithClock(clock.now))
	require.NoError(t, err)
	require.Equal(t, map[string]ChildState{"m0": ChildOpen, "m1": ChildOpen, "m2": ChildClosed}, childStates(n2))
	require.NoError(t, n2.Destroy(ctx))
}

func TestNexus_ChildIoFailures(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0", "m1", "m2")
	clock := newTestClock()

	atomic.StoreInt32(&devs["m1"].failReads, 1)
	n, err := Create(ctx, testConfig("m0", "m1", "m2"), r, WithClock(clock.now))
	require.NoError(t, err)
	copies := n.ReadChildrenMetadata(ctx)
	require.True(t, copies[1].Metadata.IsNone())
	require.False(t, copies[0].Metadata.IsNone())
	atomic.StoreInt32(&devs["m1"].failReads, 0)

	// a failed write to one child does not stop the others
	before := readCopy(t, devs["m1"]).V1.Timestamp
	atomic.StoreInt32(&devs["m1"].failWrites, 1)
	require.NoError(t, n.UpdateMetadata(ctx))
	atomic.StoreInt32(&devs["m1"].failWrites, 0)
	require.True(t, before.Equal(readCopy(t, devs["m1"]).V1.Timestamp))
	latest := readCopy(t, devs["m2"]).V1.Timestamp
	require.True(t, latest.After(before))
	require.True(t, latest.Equal(readCopy(t, devs["m0"]).V1.Timestamp))
	require.NoError(t, n.Destroy(ctx))
}

func TestNexus_PersistentStore(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0", "m1")
	store := newMemStore()

	n, err := Create(ctx, testConfig("m0", "m1"), r, WithStore(store, time.Millisecond))
	require.NoError(t, err)
	info, err := store.Get(ctx, testNexusUUID)
	require.NoError(t, err)
	require.False(t, info.CleanShutdown)
	require.Equal(t, []pstore.ChildInfo{
		{UUID: devs["m0"].UUID(), Healthy: true},
		{UUID: devs["m1"].UUID(), Healthy: true},
	}, info.Children)

	require.NoError(t, n.FaultChild(ctx, "m1", FaultByClient))
	info, _ = store.Get(ctx, testNexusUUID)
	require.False(t, info.Children[1].Healthy)

	require.NoError(t, n.Destroy(ctx))
	info, _ = store.Get(ctx, testNexusUUID)
	require.True(t, info.CleanShutdown)

	// an unclean record closes the children it marks unhealthy, even when
	// the copies on the devices say otherwise
	require.NoError(t, store.Put(ctx, testNexusUUID, &pstore.NexusInfo{
		Children: []pstore.ChildInfo{
			{UUID: devs["m0"].UUID(), Healthy: false},
			{UUID: devs["m1"].UUID(), Healthy: true},
		},
	}))
	seedCopy(t, devs["m1"], &metadata.NexusRecord{
		Timestamp: time.Now().UTC(), State: metadata.StateOpen, NexusUUID: testNexusUUID, BdevUUID: testBdevUUID,
		Children: []metadata.ChildRecord{childRecord("m0", metadata.StateOpen), childRecord("m1", metadata.StateOpen)},
	})
	n, err = Create(ctx, testConfig("m0", "m1"), r, WithStore(store, time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, map[string]ChildState{"m0": ChildClosed, "m1": ChildOpen}, childStates(n))
	require.NoError(t, n.Destroy(ctx))
}

func TestNexus_DeviceClaimedOnce(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0", "m1", "m2")
	clock := newTestClock()

	n, err := Create(ctx, testConfig("m0", "m1"), r, WithClock(clock.now))
	require.NoError(t, err)

	other := Config{Name: "other", Children: []string{"m2", "m0"}}
	_, err = Create(ctx, other, r, WithClock(clock.now))
	require.ErrorIs(t, err, apierrors.ErrInvalidState)
	require.Equal(t, testNexusUUID, readCopy(t, devs["m0"]).V1.NexusUUID)
	h, err := devs["m2"].Open()
	require.NoError(t, err)
	require.True(t, metadata.ReadOrNone(ctx, h).IsNone())
	h.Close()
	require.Equal(t, "nexus/nexus0", r.List()[0].ClaimedBy)
	require.Empty(t, r.List()[2].ClaimedBy)

	// a device known by uri and by name is still one device
	require.ErrorIs(t, n.AddChild(ctx, "malloc:///m1?size_mb=16"), apierrors.ErrInvalidState)
	require.Equal(t, NexusOpen, n.State())
	require.Len(t, n.Info().Children, 2)

	// a faulted child gives its device back
	require.NoError(t, n.FaultChild(ctx, "m1", FaultByClient))
	o, err := Create(ctx, Config{Name: "other", Children: []string{"m1"}}, r, WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, o.Destroy(ctx))

	require.NoError(t, n.Destroy(ctx))
	for _, info := range r.List() {
		require.Empty(t, info.ClaimedBy, info.Name)
	}
	o, err = Create(ctx, other, r, WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, o.Destroy(ctx))
}

func TestNexus_LastHealthyChild(t *testing.T) {
	ctx := context.TODO()
	r, devs := newRegistry(t, "m0", "m1")
	clock := newTestClock()

	n, err := Create(ctx, testConfig("m0", "m1"), r, WithClock(clock.now))
	require.NoError(t, err)
	defer n.Destroy(ctx)

	require.NoError(t, n.FaultChild(ctx, "m1", FaultOutOfSync))
	require.ErrorIs(t, n.FaultChild(ctx, "m0", FaultIoFailure), apierrors.ErrLastHealthyChild)
	require.ErrorIs(t, n.CloseChild(ctx, "m0"), apierrors.ErrLastHealthyChild)
	require.ErrorIs(t, n.RemoveChild(ctx, "m0"), apierrors.ErrLastHealthyChild)

	// closing a faulted child keeps the fault
	require.ErrorIs(t, n.CloseChild(ctx, "m1"), apierrors.ErrInvalidState)
	info := n.Info()
	require.Equal(t, ChildOpen, info.Children[0].State)
	require.Equal(t, ChildFaulted, info.Children[1].State)
	require.Equal(t, FaultOutOfSync, info.Children[1].FaultReason)
	require.NotZero(t, n.Size())

	rec := readCopy(t, devs["m0"]).V1
	c, ok := rec.Child("m1")
	require.True(t, ok)
	require.Equal(t, metadata.StateFaulted, c.State)
}
