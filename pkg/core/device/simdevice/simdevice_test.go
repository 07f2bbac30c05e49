package simdevice

import (
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig, c)

	c, err = ParseConfig("devices=3, capacity=64MiB,alignment=1KiB")
	require.NoError(t, err)
	require.Equal(t, Config{NumDevices: 3, Capacity: 64 << 20, Alignment: 1024}, c)

	c, err = ParseConfig("capacity=1GB")
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000), c.Capacity)

	for _, bad := range []string{"devices=0", "devices", "capacity=lots", "speed=fast"} {
		_, err = ParseConfig(bad)
		require.ErrorIsf(t, err, errkinds.ErrInvalidArgument, "config %q", bad)
	}
}

func TestMallocFree(t *testing.T) {
	r := must.M1(New("devices=2,capacity=4KiB"))
	require.Equal(t, 2, r.NumDevices())
	require.Equal(t, device.TypeSim, r.Type())

	p0 := must.M1(r.Malloc(0, 1000))
	p1 := must.M1(r.Malloc(0, 1000))
	require.NotEqual(t, device.Ptr(0), p0)
	require.Zero(t, uintptr(p0)%512)
	require.Zero(t, uintptr(p1)%512)
	require.GreaterOrEqual(t, uintptr(p1), uintptr(p0)+1000)

	// Different devices have disjoint address spaces.
	q0 := must.M1(r.Malloc(1, 1000))
	require.NotEqual(t, p0, q0)

	free, total := must.M2(r.MemGetInfo(0))
	require.Equal(t, int64(4096), total)
	require.Equal(t, int64(4096-2000), free)

	_, err := r.Malloc(0, 3000)
	require.ErrorIs(t, err, errkinds.ErrOutOfMemory)
	require.Equal(t, int64(3), r.NumMallocs(0))

	require.NoError(t, r.Free(0, p0))
	require.ErrorIs(t, r.Free(0, p0), errkinds.ErrInvalidArgument)
	require.Equal(t, int64(1), r.NumFrees(0))
	require.Equal(t, 1, r.NumSegments(0))

	_, err = r.Malloc(2, 10)
	require.ErrorIs(t, err, errkinds.ErrPreconditionViolation)

	r.FailNextMallocs(1, 1)
	_, err = r.Malloc(1, 10)
	require.ErrorIs(t, err, errkinds.ErrOutOfMemory)
	must.M1(r.Malloc(1, 10))
}

func TestHostBytes(t *testing.T) {
	r := must.M1(New(""))
	p := must.M1(r.Malloc(0, 100))
	b := must.M1(r.HostBytes(0, p, 100))
	b[10] = 7
	sub := must.M1(r.HostBytes(0, p.Add(10), 5))
	require.Equal(t, byte(7), sub[0])
	require.Len(t, sub, 5)

	_, err := r.HostBytes(0, p.Add(90), 20)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
	_, err = r.HostBytes(0, p-1, 1)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
}

func TestEvents(t *testing.T) {
	r := must.M1(New("devices=2"))
	s1 := device.Stream{Device: 0, ID: 1}
	s2 := device.Stream{Device: 0, ID: 2}

	e := must.M1(r.NewEvent(0))
	require.True(t, e.Query(), "never recorded events are complete")

	w1 := must.M1(r.Launch(s1))
	w2 := must.M1(r.Launch(s2))
	require.NoError(t, e.Record(s1))
	require.False(t, e.Query())

	// Work launched after the record is not captured.
	w3 := must.M1(r.Launch(s1))
	w1.Complete()
	require.True(t, e.Query())
	e.Synchronize()

	require.ErrorIs(t, e.Record(device.Stream{Device: 1}), errkinds.ErrInvalidArgument)

	w2.Complete()
	w3.Complete()
	require.NoError(t, r.Synchronize(0))
	e.Destroy()
	require.Error(t, e.Record(s1))
}

func TestRegistry(t *testing.T) {
	t.Setenv(device.EnvConfig, "sim:devices=4")
	rt := must.M1(device.New())
	require.Equal(t, Name, rt.Name())
	require.Equal(t, 4, rt.NumDevices())
	require.Contains(t, device.Registered(), Name)

	rt = must.M1(device.NewWithConfig("sim"))
	require.Equal(t, 1, rt.NumDevices())

	_, err := device.NewWithConfig("quantum:qubits=3")
	require.Error(t, err)
	_, err = device.NewWithConfig("sim:devices=-1")
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
}
