package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatRegistersAndTransitionsBusyAtCapacity(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Unix(1_700_000_000, 0)

	caps := map[Capability]bool{CapabilityBrowser: true}
	r := reg.Heartbeat("robot-1", "Robot One", caps, 2, "prod", "tenant-a", 0, now)
	require.Equal(t, StatusOnline, r.Status)

	r = reg.Heartbeat("robot-1", "Robot One", caps, 2, "prod", "tenant-a", 2, now.Add(time.Second))
	assert.Equal(t, StatusBusy, r.Status)
}

func TestEligibleRequiresCapabilitySuperset(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Unix(1_700_000_000, 0)

	reg.Heartbeat("browser-only", "A", map[Capability]bool{CapabilityBrowser: true}, 1, "", "", 0, now)
	reg.Heartbeat("browser-gpu", "B", map[Capability]bool{CapabilityBrowser: true, CapabilityGPU: true}, 1, "", "", 0, now)

	required := map[Capability]bool{CapabilityBrowser: true, CapabilityGPU: true}
	eligible := reg.Eligible(required)

	require.Len(t, eligible, 1)
	assert.Equal(t, "browser-gpu", eligible[0].RobotID)
}

func TestMarkStaleOfflineTransitionsPastTimeout(t *testing.T) {
	reg := NewMemoryRegistry()
	base := time.Unix(1_700_000_000, 0)

	reg.Heartbeat("stale", "Stale", nil, 1, "", "", 0, base)
	reg.Heartbeat("fresh", "Fresh", nil, 1, "", "", 0, base.Add(80*time.Second))

	stale := reg.MarkStaleOffline(base.Add(100*time.Second), 90*time.Second)
	require.Equal(t, []string{"stale"}, stale)

	r, _ := reg.Get("stale")
	assert.Equal(t, StatusOffline, r.Status)
	r, _ = reg.Get("fresh")
	assert.Equal(t, StatusOnline, r.Status)
}

func TestAPIKeyStoreSaveAndValidate(t *testing.T) {
	store := NewMemoryAPIKeyStore()
	now := time.Unix(1_700_000_000, 0)
	hash := HashAPIKey("super-secret-raw-key")

	key := store.Save("robot-1", hash, "ci key", "", nil, "admin", now)
	require.NotEmpty(t, key.ID)

	got, ok := store.GetValidByHash(hash, now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, "robot-1", got.RobotID)

	assert.True(t, store.UpdateLastUsed(hash, "10.0.0.1", now.Add(time.Minute)))
	got, _ = store.GetByHash(hash)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, "10.0.0.1", got.LastUsedIP)
}

func TestAPIKeyRevocationInvalidatesKey(t *testing.T) {
	store := NewMemoryAPIKeyStore()
	now := time.Unix(1_700_000_000, 0)
	hash := HashAPIKey("another-raw-key")

	key := store.Save("robot-2", hash, "", "", nil, "", now)
	require.True(t, store.Revoke(key.ID, "admin", "rotated", now.Add(time.Hour)))

	_, ok := store.GetValidByHash(hash, now.Add(2*time.Hour))
	assert.False(t, ok)
}

func TestAPIKeyExpiresAtHonored(t *testing.T) {
	store := NewMemoryAPIKeyStore()
	now := time.Unix(1_700_000_000, 0)
	expiry := now.Add(time.Hour)
	hash := HashAPIKey("expiring-key")

	store.Save("robot-3", hash, "", "", &expiry, "", now)

	_, ok := store.GetValidByHash(hash, now.Add(30*time.Minute))
	assert.True(t, ok)

	_, ok = store.GetValidByHash(hash, now.Add(2*time.Hour))
	assert.False(t, ok)
}
