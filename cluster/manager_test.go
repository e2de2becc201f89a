package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/config"
)

func TestNewRequiresEnabled(t *testing.T) {
	_, err := New(config.ClusterConfig{Enabled: false})
	assert.Error(t, err)
}

func TestSingleNodeBecomesLeader(t *testing.T) {
	m, err := New(config.ClusterConfig{
		Enabled:  true,
		NodeID:   "test-node-1",
		BindAddr: "127.0.0.1",
		BindPort: 0,
	})
	require.NoError(t, err)
	defer m.Shutdown()

	assert.Equal(t, "test-node-1", m.GetNodeID())
	assert.Equal(t, 1, m.GetMemberCount())

	assert.Eventually(t, func() bool {
		return m.IsLeader() && m.GetLeaderID() == "test-node-1"
	}, 2*time.Second, 20*time.Millisecond)

	members := m.GetMembers()
	require.Len(t, members, 1)
	assert.Equal(t, "test-node-1", members[0].Name)
}

func TestLeaderChangeCallbackFires(t *testing.T) {
	m, err := New(config.ClusterConfig{
		Enabled:  true,
		NodeID:   "callback-node",
		BindAddr: "127.0.0.1",
		BindPort: 0,
	})
	require.NoError(t, err)
	defer m.Shutdown()

	got := make(chan bool, 1)
	m.OnLeaderChange(func(isLeader bool, leaderID string) {
		select {
		case got <- isLeader:
		default:
		}
	})
	// Force a transition so the callback observes it.
	m.mu.Lock()
	m.leaderID = ""
	m.isLeader = false
	m.mu.Unlock()
	m.electLeader()

	select {
	case isLeader := <-got:
		assert.True(t, isLeader)
	case <-time.After(2 * time.Second):
		t.Fatal("leader change callback never fired")
	}
}

func TestRejectsInvalidSecretKey(t *testing.T) {
	_, err := New(config.ClusterConfig{
		Enabled:   true,
		NodeID:    "bad-key-node",
		BindAddr:  "127.0.0.1",
		BindPort:  0,
		SecretKey: "not-base64!!!",
	})
	assert.Error(t, err)
}
