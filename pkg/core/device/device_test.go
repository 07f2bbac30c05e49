package device

import (
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/dispatch"
	"github.com/stretchr/testify/require"
)

func TestDevice(t *testing.T) {
	require.Equal(t, "Sim:1", Device{Type: TypeSim, Index: 1}.String())
	require.Equal(t, "CPU:0", CPU.String())
	require.Equal(t, dispatch.KeyCUDA, TypeCUDA.DispatchKey())
	require.Equal(t, dispatch.KeySimDevice, TypeSim.DispatchKey())
	require.Equal(t, dispatch.KeyUndefined, Type(17).DispatchKey())

	require.Equal(t, Ptr(0x1010), Ptr(0x1000).Add(16))
	require.Equal(t, "0x1000", Ptr(0x1000).String())
	require.Equal(t, Stream{Device: 2}, DefaultStream(2))
	require.Equal(t, "stream(device=2, id=5)", Stream{Device: 2, ID: 5}.String())

	typ, err := TypeString("cuda")
	require.NoError(t, err)
	require.Equal(t, TypeCUDA, typ)
}
