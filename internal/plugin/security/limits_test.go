package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceMonitor_StorageBurst(t *testing.T) {
	rm := NewResourceMonitor("p", Limits{StorageOpsPerSecond: 3})
	for i := 0; i < 3; i++ {
		assert.True(t, rm.TryStorageOp(), "op %d", i)
	}
	assert.False(t, rm.TryStorageOp())

	u := rm.Usage()
	assert.Equal(t, uint64(3), u.StorageOps)
	assert.Equal(t, uint64(1), u.Denied)
	assert.Equal(t, "storage operation rate exceeded", u.LastDenial)
}

func TestResourceMonitor_Output(t *testing.T) {
	rm := NewResourceMonitor("p", Limits{OutputBytesPerSecond: 10})
	assert.True(t, rm.TryOutput(0))
	assert.True(t, rm.TryOutput(6))
	assert.False(t, rm.TryOutput(6), "over the remaining burst")
	assert.False(t, rm.TryOutput(11), "larger than the burst")
	assert.True(t, rm.TryOutput(4))

	u := rm.Usage()
	assert.Equal(t, uint64(10), u.OutputBytes)
	assert.Equal(t, uint64(2), u.Denied)
}

func TestResourceMonitor_ZeroIsUnlimited(t *testing.T) {
	rm := NewResourceMonitor("p", Limits{})
	for i := 0; i < 1000; i++ {
		require.True(t, rm.TryStorageOp())
	}
	assert.True(t, rm.TryOutput(1<<20))
	assert.Zero(t, rm.Usage().Denied)
}

func TestLimitsPresets(t *testing.T) {
	def, strict := DefaultLimits(), StrictLimits()
	assert.Less(t, strict.StorageOpsPerSecond, def.StorageOpsPerSecond)
	assert.Less(t, strict.OutputBytesPerSecond, def.OutputBytesPerSecond)
	assert.Less(t, strict.MaxCallDepth, def.MaxCallDepth)
	assert.Equal(t, def, DefaultPolicy().Limits)
}

func TestGate_MonitorFollowsGrant(t *testing.T) {
	gate := NewGate(Policy{MaxRisk: RiskHigh, Limits: StrictLimits()})

	_, ok := gate.Monitor("p")
	assert.False(t, ok)

	gate.Grant("p", PermissionSet{Storage: true})
	rm, ok := gate.Monitor("p")
	require.True(t, ok)
	assert.Equal(t, "p", rm.PluginID())
	assert.Equal(t, StrictLimits(), rm.Limits())
	assert.Equal(t, StrictLimits(), gate.Limits())

	gate.Revoke("p")
	_, ok = gate.Monitor("p")
	assert.False(t, ok)
}
