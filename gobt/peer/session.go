package peer

import (
	"log"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/tluk11/Bit-Torrent/gobt/piece"
	"github.com/tluk11/Bit-Torrent/gobt/stats"
	"github.com/tluk11/Bit-Torrent/gobt/torrent"
	"github.com/tluk11/Bit-Torrent/gobt/wire"
)

type ConnState int

const (
	DISCONNECTED ConnState = iota
	CONNECTING
	WAIT_HANDSHAKE_IN  // we initiated: our handshake is out, theirs pending
	WAIT_HANDSHAKE_OUT // they initiated: their handshake arrives first
	ACTIVE
)

func (s ConnState) String() string {
	switch s {
	case DISCONNECTED:
		return "disconnected"
	case CONNECTING:
		return "connecting"
	case WAIT_HANDSHAKE_IN:
		return "wait-handshake-in"
	case WAIT_HANDSHAKE_OUT:
		return "wait-handshake-out"
	case ACTIVE:
		return "active"
	}
	return "unknown"
}

var (
	MAX_PIPELINE = 50
)

type blockRef struct {
	pieceIndex int
	begin      int
}

// Session is one remote peer: its connection, its view of the torrent and
// our protocol state toward it. Sessions are plain records owned by the
// coordinator; nothing here is safe for concurrent use and nothing here
// reaches into another session.
type Session struct {
	id      string
	inbound bool
	state   ConnState

	torrent  *torrent.Torrent
	pieceMgr piece.PieceManager
	stats    stats.Stats
	wire     wire.Wire

	remoteID     [20]byte
	peerBitfield bitmap.Bitmap

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	outstanding int
	maxPipeline int
	pending     []blockRef
}

func newSession(
	id string,
	inbound bool,
	tor *torrent.Torrent,
	pieceMgr piece.PieceManager,
	st stats.Stats) *Session {

	state := DISCONNECTED
	if inbound {
		state = WAIT_HANDSHAKE_OUT
	}
	return &Session{
		id:             id,
		inbound:        inbound,
		state:          state,
		torrent:        tor,
		pieceMgr:       pieceMgr,
		stats:          st,
		peerBitfield:   bitmap.New(tor.NumPieces),
		amChoking:      true,
		amInterested:   false,
		peerChoking:    true,
		peerInterested: false,
		maxPipeline:    MAX_PIPELINE,
	}
}

// NewOutboundSession starts in DISCONNECTED; the coordinator moves it to
// CONNECTING when the dial is issued and attaches the wire on completion.
func NewOutboundSession(
	id string,
	tor *torrent.Torrent,
	pieceMgr piece.PieceManager,
	st stats.Stats) *Session {

	return newSession(id, false, tor, pieceMgr, st)
}

// NewInboundSession wraps an accepted connection in WAIT_HANDSHAKE_OUT.
func NewInboundSession(
	id string,
	w wire.Wire,
	tor *torrent.Torrent,
	pieceMgr piece.PieceManager,
	st stats.Stats) *Session {

	s := newSession(id, true, tor, pieceMgr, st)
	s.wire = w
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) State() ConnState     { return s.state }
func (s *Session) Wire() wire.Wire      { return s.wire }
func (s *Session) Inbound() bool        { return s.inbound }
func (s *Session) AmChoking() bool      { return s.amChoking }
func (s *Session) AmInterested() bool   { return s.amInterested }
func (s *Session) PeerChoking() bool    { return s.peerChoking }
func (s *Session) PeerInterested() bool { return s.peerInterested }
func (s *Session) Outstanding() int     { return s.outstanding }
func (s *Session) RemoteID() [20]byte   { return s.remoteID }

// PeerHas reports whether the remote advertised piece i.
func (s *Session) PeerHas(i int) bool {
	return i >= 0 && i < s.torrent.NumPieces && s.peerBitfield.Get(i)
}

// SetConnecting marks the dial as issued.
func (s *Session) SetConnecting() {
	s.state = CONNECTING
}

// StartOutbound runs when the dial completes: attach the wire, send our
// handshake, wait for theirs.
func (s *Session) StartOutbound(w wire.Wire) error {
	s.wire = w
	if err := w.SendHandshake(s.torrent.InfoHash, torrent.PEER_ID); err != nil {
		return err
	}
	s.state = WAIT_HANDSHAKE_IN
	return nil
}

// HandleHandshake validates the remote handshake and completes the opening
// sequence: reply (inbound only), send our bitfield when non-empty, move to
// ACTIVE.
func (s *Session) HandleHandshake(hs *wire.Handshake) error {
	if err := hs.Validate(s.torrent.InfoHash); err != nil {
		return err
	}
	s.remoteID = hs.PeerID

	if s.state == WAIT_HANDSHAKE_OUT {
		if err := s.wire.SendHandshake(s.torrent.InfoHash, torrent.PEER_ID); err != nil {
			return err
		}
	}
	if s.pieceMgr.GetPiecesDownloaded() > 0 {
		if err := s.wire.SendBitField(s.pieceMgr.GetBitField()); err != nil {
			return err
		}
	}
	s.state = ACTIVE
	return s.UpdateInterest()
}

// HandleMessage dispatches one framed message received in ACTIVE.
// completedPiece is >= 0 when this message finished a verified piece; the
// coordinator broadcasts the HAVE.
func (s *Session) HandleMessage(id byte, payload []byte) (completedPiece int, err error) {
	completedPiece = -1

	switch id {
	case wire.CHOKE:
		s.peerChoking = true
		s.dropPending()

	case wire.UNCHOKE:
		s.peerChoking = false
		err = s.FillPipeline()

	case wire.INTERESTED:
		s.peerInterested = true

	case wire.NOT_INTERESTED:
		s.peerInterested = false
		if !s.amChoking {
			s.amChoking = true
			err = s.wire.SendChoke()
		}

	case wire.HAVE:
		var pieceIndex int
		pieceIndex, err = wire.ParseHave(payload)
		if err != nil {
			return
		}
		if pieceIndex < 0 || pieceIndex >= s.torrent.NumPieces {
			// out of range, nothing to record
			return
		}
		s.peerBitfield.Set(pieceIndex, true)
		if !s.amInterested && !s.pieceMgr.Have(pieceIndex) {
			s.amInterested = true
			err = s.wire.SendInterested()
		}

	case wire.BITFIELD:
		// accepted at any point and overwritten
		s.peerBitfield = wire.UnpackBitfield(payload, s.torrent.NumPieces)
		err = s.UpdateInterest()

	case wire.PIECE:
		completedPiece, err = s.handlePiece(payload)

	case wire.REQUEST:
		err = s.handleRequest(payload)

	case wire.CANCEL:
		// outgoing blocks are not queued, nothing to cancel
	}
	return
}

func (s *Session) handlePiece(payload []byte) (int, error) {
	pieceIndex, begin, block, err := wire.ParsePiece(payload)
	if err != nil {
		return -1, err
	}
	s.removePending(pieceIndex, begin)

	downloadedPiece, err := s.pieceMgr.AcceptBlock(s.id, pieceIndex, begin, block)
	if err != nil {
		return -1, err
	}
	s.stats.UpdatePeer(s.id, 0, len(block))

	completed := -1
	if downloadedPiece {
		completed = pieceIndex
	}
	return completed, s.FillPipeline()
}

func (s *Session) handleRequest(payload []byte) error {
	pieceIndex, begin, length, err := wire.ParseRequest(payload)
	if err != nil {
		return err
	}
	if s.amChoking {
		// choked peers get nothing
		return nil
	}
	if length <= 0 || length > piece.BLOCK_SIZE ||
		pieceIndex < 0 || pieceIndex >= s.torrent.NumPieces ||
		!s.pieceMgr.Have(pieceIndex) ||
		begin < 0 || begin+length > s.torrent.PieceSize(pieceIndex) {
		log.Printf("[peer %s] dropping bad request piece=%d begin=%d length=%d", s.id, pieceIndex, begin, length)
		return nil
	}

	block, err := s.pieceMgr.ReadBlock(pieceIndex, begin, length)
	if err != nil {
		return err
	}
	if err := s.wire.SendPiece(pieceIndex, begin, block); err != nil {
		return err
	}
	s.stats.UpdatePeer(s.id, length, 0)
	return nil
}

// UpdateInterest recomputes whether the peer has anything we lack and sends
// INTERESTED/NOT_INTERESTED when that changed.
func (s *Session) UpdateInterest() error {
	interested := s.pieceMgr.InterestedIn(s.PeerHas)
	if interested == s.amInterested {
		return nil
	}
	s.amInterested = interested
	if interested {
		return s.wire.SendInterested()
	}
	return s.wire.SendUnInterested()
}

// SendHave forwards a completed-piece announcement.
func (s *Session) SendHave(pieceIndex int) error {
	return s.wire.SendHave(pieceIndex)
}

// SendKeepAliveIfIdle keeps long-lived quiet connections open.
func (s *Session) SendKeepAliveIfIdle(idle time.Duration) error {
	if time.Since(s.wire.GetLastMessageSent()) < idle {
		return nil
	}
	return s.wire.SendKeepAlive()
}

func (s *Session) removePending(pieceIndex, begin int) {
	for i, ref := range s.pending {
		if ref.pieceIndex == pieceIndex && ref.begin == begin {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if s.outstanding > 0 {
		s.outstanding--
	}
}

// dropPending returns every in-flight request to the piece store so any
// peer may pick the blocks up again.
func (s *Session) dropPending() {
	for _, ref := range s.pending {
		s.pieceMgr.CancelRequest(ref.pieceIndex, ref.begin)
	}
	s.pending = nil
	s.outstanding = 0
}

// Disconnect moves the session to its terminal state. Safe to call more
// than once; the coordinator garbage-collects afterwards.
func (s *Session) Disconnect() {
	if s.state == DISCONNECTED {
		return
	}
	s.state = DISCONNECTED
	s.dropPending()
	if s.wire != nil {
		s.wire.Close()
	}
	s.stats.RemovePeer(s.id)
}
