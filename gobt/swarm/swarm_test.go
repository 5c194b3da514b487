package swarm

import (
	"bytes"
	"crypto/sha1"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tluk11/Bit-Torrent/gobt/peer"
	"github.com/tluk11/Bit-Torrent/gobt/torrent"
	"github.com/tluk11/Bit-Torrent/gobt/wire"
)

func chtmp(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}

// makeTorrent slices content into pieces of pieceLength and hashes them.
func makeTorrent(t *testing.T, content []byte, pieceLength int) *torrent.Torrent {
	numPieces := (len(content) + pieceLength - 1) / pieceLength
	hashes := ""
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * pieceLength
		if end > len(content) {
			end = len(content)
		}
		h := sha1.Sum(content[i*pieceLength : end])
		hashes += string(h[:])
	}
	infoHash := make([]byte, 20)
	copy(infoHash, "swarm-test-infohash!")
	return &torrent.Torrent{
		Name:        "downloaded.bin",
		Length:      len(content),
		PieceLength: pieceLength,
		NumPieces:   numPieces,
		Pieces:      hashes,
		InfoHash:    infoHash,
	}
}

// runSeeder speaks the remote side of the protocol for one connection: it
// has every piece and serves requests. corruptions counts how many tail
// block deliveries are garbled before honest service resumes.
func runSeeder(t *testing.T, l net.Listener, tor *torrent.Torrent, content []byte, corruptions int) {
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	w := wire.NewWire(conn, 5*time.Second)

	hs, err := w.ReadHandshake()
	if err != nil || hs.Validate(tor.InfoHash) != nil {
		t.Errorf("seeder: bad handshake: %v", err)
		return
	}
	seederID := make([]byte, 20)
	copy(seederID, "-SD0001-000000000000")
	if err := w.SendHandshake(tor.InfoHash, seederID); err != nil {
		return
	}

	full := bitmap.New(tor.NumPieces)
	for i := 0; i < tor.NumPieces; i++ {
		full.Set(i, true)
	}
	if err := w.SendBitField(wire.PackBitfield(full, tor.NumPieces)); err != nil {
		return
	}

	for {
		length, id, payload, err := w.ReadMessage()
		if err != nil {
			return
		}
		if length == 0 {
			continue
		}
		switch id {
		case wire.INTERESTED:
			w.SendUnchoke()
		case wire.REQUEST:
			pieceIndex, begin, blockLen, err := wire.ParseRequest(payload)
			if err != nil {
				t.Errorf("seeder: %v", err)
				return
			}
			offset := pieceIndex*tor.PieceLength + begin
			block := append([]byte{}, content[offset:offset+blockLen]...)
			lastBlock := begin+blockLen == tor.PieceSize(pieceIndex)
			if corruptions > 0 && lastBlock {
				corruptions--
				for i := range block {
					block[i] ^= 0xff
				}
			}
			w.SendPiece(pieceIndex, begin, block)
		default:
			// HAVE / NOT_INTERESTED chatter
		}
	}
}

func runSwarm(t *testing.T, sw *Swarm) chan error {
	done := make(chan error, 1)
	go func() { done <- sw.Run() }()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("swarm did not finish")
		return nil
	}
}

// Single tiny torrent, one honest seeder, happy path end to end.
func TestDownloadFromSinglePeer(t *testing.T) {
	chtmp(t)
	content := make([]byte, 32)
	copy(content, "all work and no play makes jack ")
	tor := makeTorrent(t, content, 32)

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go runSeeder(t, l, tor, content, 0)

	sw, err := NewSwarm(tor, Config{
		Port:        0,
		SkipTracker: true,
		ManualPeers: []string{l.Addr().String()},
	})
	require.NoError(t, err)

	require.NoError(t, waitDone(t, runSwarm(t, sw)))

	got, err := os.ReadFile("downloaded.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	_, downloaded, left := sw.stats.GetTrackerStats()
	assert.Equal(t, 32, downloaded)
	assert.Equal(t, 0, left)
}

// Multi-piece torrent with a short last piece and a multi-block piece
// (20000-byte pieces: 16384 + 3616).
func TestDownloadMultiPiece(t *testing.T) {
	chtmp(t)
	content := make([]byte, 50000)
	for i := range content {
		content[i] = byte(i * 13)
	}
	tor := makeTorrent(t, content, 20000)
	require.Equal(t, 3, tor.NumPieces)
	require.Equal(t, 10000, tor.PieceSize(2))

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go runSeeder(t, l, tor, content, 0)

	sw, err := NewSwarm(tor, Config{
		Port:        0,
		SkipTracker: true,
		ManualPeers: []string{l.Addr().String()},
	})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, runSwarm(t, sw)))

	got, err := os.ReadFile("downloaded.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

// A corrupted tail block fails the piece hash; the buffer resets and the
// re-request succeeds against the now-honest peer.
func TestHashMismatchRecovery(t *testing.T) {
	chtmp(t)
	content := make([]byte, 20000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	tor := makeTorrent(t, content, 20000)

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go runSeeder(t, l, tor, content, 1)

	sw, err := NewSwarm(tor, Config{
		Port:        0,
		SkipTracker: true,
		ManualPeers: []string{l.Addr().String()},
	})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, runSwarm(t, sw)))

	got, err := os.ReadFile("downloaded.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

// Seeding: a leecher connects inbound after our download is complete, and
// is handshaken, unchoked and served.
func TestServeInboundLeecher(t *testing.T) {
	chtmp(t)
	content := make([]byte, 20000)
	for i := range content {
		content[i] = byte(i * 3)
	}
	tor := makeTorrent(t, content, 20000)

	seedL, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer seedL.Close()
	go runSeeder(t, seedL, tor, content, 0)

	sw, err := NewSwarm(tor, Config{
		Port:        0,
		Seed:        true,
		SkipTracker: true,
		ManualPeers: []string{seedL.Addr().String()},
	})
	require.NoError(t, err)
	done := runSwarm(t, sw)
	defer func() {
		sw.Stop()
		waitDone(t, done)
	}()

	// wait until the swarm finished downloading
	require.Eventually(t, func() bool {
		return sw.pieceMgr.AllDownloaded()
	}, 10*time.Second, 20*time.Millisecond)

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(sw.server.GetServerPort())))
	require.NoError(t, err)
	defer conn.Close()
	w := wire.NewWire(conn, 5*time.Second)

	leecherID := make([]byte, 20)
	copy(leecherID, "-LC0001-000000000000")
	require.NoError(t, w.SendHandshake(tor.InfoHash, leecherID))
	hs, err := w.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, hs.Validate(tor.InfoHash))

	// their full bitfield arrives, then the unchoke after INTERESTED
	_, id, payload, err := w.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, byte(wire.BITFIELD), id)
	theirs := wire.UnpackBitfield(payload, tor.NumPieces)
	require.True(t, theirs.Get(0))

	require.NoError(t, w.SendInterested())
	for {
		length, id, _, err := w.ReadMessage()
		require.NoError(t, err)
		if length == 0 || id == wire.HAVE {
			continue
		}
		require.Equal(t, byte(wire.UNCHOKE), id)
		break
	}

	require.NoError(t, w.SendRequest(0, 0, 16384))
	_, id, payload, err = w.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, byte(wire.PIECE), id)
	pieceIndex, begin, block, err := wire.ParsePiece(payload)
	require.NoError(t, err)
	assert.Equal(t, 0, pieceIndex)
	assert.Equal(t, 0, begin)
	assert.True(t, bytes.Equal(content[:16384], block))

	require.Eventually(t, func() bool {
		uploaded, _, _ := sw.stats.GetTrackerStats()
		return uploaded == 16384
	}, 5*time.Second, 10*time.Millisecond)
}

// recordWire is a stub connection that remembers HAVE announcements.
type recordWire struct {
	haves []int
}

func (r *recordWire) ReadHandshake() (*wire.Handshake, error)     { return nil, io.EOF }
func (r *recordWire) ReadMessage() (int32, byte, []byte, error)   { return 0, 0, nil, io.EOF }
func (r *recordWire) SendHandshake(infoHash, peerID []byte) error { return nil }
func (r *recordWire) SendKeepAlive() error                        { return nil }
func (r *recordWire) SendChoke() error                            { return nil }
func (r *recordWire) SendUnchoke() error                          { return nil }
func (r *recordWire) SendInterested() error                       { return nil }
func (r *recordWire) SendUnInterested() error                     { return nil }
func (r *recordWire) SendHave(pieceIndex int) error {
	r.haves = append(r.haves, pieceIndex)
	return nil
}
func (r *recordWire) SendBitField(bitfield []byte) error              { return nil }
func (r *recordWire) SendRequest(pieceIndex, begin, length int) error { return nil }
func (r *recordWire) SendPiece(pieceIndex, begin int, block []byte) error {
	return nil
}
func (r *recordWire) GetLastMessageSent() time.Time { return time.Now() }
func (r *recordWire) RemoteAddr() net.Addr          { return nil }
func (r *recordWire) Close()                        {}

// A completed piece is announced exactly once to every ACTIVE session and
// never to disconnected ones.
func TestHaveBroadcast(t *testing.T) {
	chtmp(t)
	content := make([]byte, 96)
	tor := makeTorrent(t, content, 32)

	sw, err := NewSwarm(tor, Config{Port: 0, SkipTracker: true})
	require.NoError(t, err)
	defer func() {
		sw.Stop()
		sw.server.Close()
		sw.storage.Close()
	}()

	wires := make([]*recordWire, 3)
	for i := range wires {
		wires[i] = &recordWire{}
		s := peer.NewInboundSession("p", wires[i], tor, sw.pieceMgr, sw.stats)
		hs := &wire.Handshake{}
		copy(hs.InfoHash[:], tor.InfoHash)
		require.NoError(t, s.HandleHandshake(hs))
		sw.sessions = append(sw.sessions, s)
	}
	// one extra session that already died
	deadWire := &recordWire{}
	dead := peer.NewInboundSession("dead", deadWire, tor, sw.pieceMgr, sw.stats)
	dead.Disconnect()
	sw.sessions = append(sw.sessions, dead)

	sw.onPieceCompleted(1)

	for _, rw := range wires {
		assert.Equal(t, []int{1}, rw.haves)
	}
	assert.Empty(t, deadWire.haves)
}
