package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	s := NewStats(0, 0, 20000)

	s.UpdatePeer("1.2.3.4:6881", 0, 16384)
	s.UpdatePeer("1.2.3.4:6881", 512, 3616)
	s.UpdatePeer("5.6.7.8:6881", 1024, 0)

	uploaded, downloaded, left := s.GetTrackerStats()
	assert.Equal(t, 1536, uploaded)
	assert.Equal(t, 20000, downloaded)
	assert.Equal(t, 0, left)
}

func TestLeftNeverNegative(t *testing.T) {
	s := NewStats(0, 0, 100)
	s.UpdatePeer("a", 0, 500)
	_, _, left := s.GetTrackerStats()
	assert.Equal(t, 0, left)
}

func TestWindowedRates(t *testing.T) {
	s := NewStats(0, 0, 1<<20)

	s.UpdatePeer("a", 0, PONDERATION_TIME*100)
	peerStats := s.GetPeerStats()
	require.Contains(t, peerStats, "a")
	// one slot of the 10-slot window filled
	assert.Equal(t, 100, peerStats["a"].DownloadRate)
	assert.Equal(t, 0, peerStats["a"].UploadRate)

	// no further traffic: the window drains as slots roll forward
	for i := 0; i < PONDERATION_TIME; i++ {
		s.GetPeerStats()
	}
	assert.Equal(t, 0, s.GetPeerStats()["a"].DownloadRate)
}

func TestClientRatesAggregatePeers(t *testing.T) {
	s := NewStats(0, 0, 1<<20)
	s.UpdatePeer("a", PONDERATION_TIME*10, 0)
	s.UpdatePeer("b", PONDERATION_TIME*30, 0)
	s.GetPeerStats()

	up, down := s.GetClientRates()
	assert.Equal(t, 40, up)
	assert.Equal(t, 0, down)
}

func TestRemovePeer(t *testing.T) {
	s := NewStats(0, 0, 0)
	s.UpdatePeer("a", 1, 1)
	s.RemovePeer("a")
	assert.NotContains(t, s.GetPeerStats(), "a")
}
