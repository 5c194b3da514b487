package swarm

import (
	"log"
	"net"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"github.com/tluk11/Bit-Torrent/gobt/peer"
	"github.com/tluk11/Bit-Torrent/gobt/piece"
	"github.com/tluk11/Bit-Torrent/gobt/server"
	"github.com/tluk11/Bit-Torrent/gobt/stats"
	"github.com/tluk11/Bit-Torrent/gobt/storage"
	"github.com/tluk11/Bit-Torrent/gobt/torrent"
	"github.com/tluk11/Bit-Torrent/gobt/tracker"
	"github.com/tluk11/Bit-Torrent/gobt/wire"
)

var (
	TRACKER_INTERVAL   = 30 * time.Minute
	CHOKE_INTERVAL     = 10 * time.Second
	KEEPALIVE_INTERVAL = time.Minute
	CONNECT_TIMEOUT    = 5 * time.Second
	PEER_TIMEOUT       = 120 * time.Second
	MAX_PEERS          = 50
	CONNECT_BUDGET     = 4
)

type Config struct {
	Port        int
	Seed        bool     // keep serving once the download finishes
	SkipTracker bool     // --peer mode: no announces at all
	ManualPeers []string // "ip:port" seeds used instead of the tracker
}

// Swarm is the download/seed coordinator. One goroutine (Run) owns every
// session, the piece store and all counters; auxiliary goroutines only dial,
// read frames and announce, reporting back over the event channel.
type Swarm struct {
	torrent  *torrent.Torrent
	storage  storage.Storage
	pieceMgr piece.PieceManager
	stats    stats.Stats
	tracker  tracker.Tracker
	server   server.Server
	cfg      Config

	sessions     []*peer.Session // insertion order, upload slots depend on it
	knownAddrs   mapset.Set
	pendingAddrs []string
	events       chan event
	quit         chan int

	startTime     time.Time
	completedSent bool
}

func NewSwarm(
	tor *torrent.Torrent,
	cfg Config) (*Swarm, error) {

	st, err := storage.NewRandomAccessStorage(tor)
	if err != nil {
		return nil, err
	}
	statistics := stats.NewStats(0, 0, tor.Length)
	quit := make(chan int)
	sv, err := server.NewServer(cfg.Port, quit)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Swarm{
		torrent:    tor,
		storage:    st,
		pieceMgr:   piece.NewSequentialPieceManager(tor, st),
		stats:      statistics,
		tracker:    tracker.NewTracker(tor, statistics, sv.GetServerPort()),
		server:     sv,
		cfg:        cfg,
		knownAddrs: mapset.NewSet(),
		events:     make(chan event),
		quit:       quit,
	}, nil
}

// Stop terminates Run from another goroutine.
func (sw *Swarm) Stop() {
	close(sw.quit)
}

// Run drives the torrent to completion and, when seeding is enabled, serves
// until Stop. It returns nil once every piece is verified (or on Stop while
// seeding) and an error only for startup-level failures.
func (sw *Swarm) Run() error {
	defer sw.shutdown()

	sw.startTime = time.Now()
	sw.server.Serve()

	if sw.cfg.SkipTracker {
		sw.enqueuePeers(sw.cfg.ManualPeers)
	} else {
		resp, err := sw.tracker.Announce(tracker.STARTED)
		if err != nil {
			return err
		}
		log.Printf("[tracker] %d peers", len(resp.Peers))
		addrs := make([]string, 0, len(resp.Peers))
		for _, p := range resp.Peers {
			addrs = append(addrs, p.Addr())
		}
		sw.enqueuePeers(addrs)
	}
	sw.dialPending()

	trackerTicker := time.NewTicker(TRACKER_INTERVAL)
	chokeTicker := time.NewTicker(CHOKE_INTERVAL)
	keepAliveTicker := time.NewTicker(KEEPALIVE_INTERVAL)
	defer trackerTicker.Stop()
	defer chokeTicker.Stop()
	defer keepAliveTicker.Stop()

	for {
		if sw.pieceMgr.AllDownloaded() {
			sw.announceCompleted()
			if !sw.cfg.Seed {
				return nil
			}
		}

		select {
		case <-sw.quit:
			return nil

		case conn := <-sw.server.Conns():
			sw.handleInbound(conn)

		case ev := <-sw.events:
			switch ev := ev.(type) {
			case dialDoneEvent:
				sw.handleDialDone(ev)
			case handshakeEvent:
				sw.handleHandshake(ev)
			case messageEvent:
				sw.handleMessage(ev)
			case trackerEvent:
				sw.handleTrackerRefresh(ev)
			}

		case <-trackerTicker.C:
			sw.refreshTracker()

		case <-chokeTicker.C:
			sw.logProgress()
			peer.ManageUploadSlots(sw.sessions)
			sw.scheduleAll()
			sw.dialPending()

		case <-keepAliveTicker.C:
			sw.sendKeepAlives()
		}

		sw.collectDisconnected()
	}
}

func (sw *Swarm) shutdown() {
	select {
	case <-sw.quit:
	default:
		close(sw.quit)
	}
	if !sw.cfg.SkipTracker {
		sw.tracker.Announce(tracker.STOPPED)
	}
	for _, s := range sw.sessions {
		s.Disconnect()
	}
	sw.sessions = nil
	sw.server.Close()
	sw.storage.Close()
}

// enqueuePeers records fresh addresses for dialing, deduplicated for the
// lifetime of the swarm.
func (sw *Swarm) enqueuePeers(addrs []string) {
	for _, addr := range addrs {
		if sw.knownAddrs.Contains(addr) {
			continue
		}
		sw.knownAddrs.Add(addr)
		sw.pendingAddrs = append(sw.pendingAddrs, addr)
	}
}

// dialPending starts outbound connects within the per-pass budget and the
// global session cap.
func (sw *Swarm) dialPending() {
	budget := CONNECT_BUDGET
	for budget > 0 && len(sw.pendingAddrs) > 0 && len(sw.sessions) < MAX_PEERS {
		addr := sw.pendingAddrs[0]
		sw.pendingAddrs = sw.pendingAddrs[1:]

		s := peer.NewOutboundSession(addr, sw.torrent, sw.pieceMgr, sw.stats)
		sw.sessions = append(sw.sessions, s)
		s.SetConnecting()
		budget--

		go func() {
			conn, err := net.DialTimeout("tcp4", addr, CONNECT_TIMEOUT)
			select {
			case sw.events <- dialDoneEvent{session: s, conn: conn, err: err}:
			case <-sw.quit:
				if conn != nil {
					conn.Close()
				}
			}
		}()
	}
}

func (sw *Swarm) handleInbound(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	if len(sw.sessions) >= MAX_PEERS {
		log.Printf("[swarm] at peer cap, refusing %s", addr)
		conn.Close()
		return
	}
	sw.knownAddrs.Add(addr)
	w := wire.NewWire(conn, PEER_TIMEOUT)
	s := peer.NewInboundSession(addr, w, sw.torrent, sw.pieceMgr, sw.stats)
	sw.sessions = append(sw.sessions, s)
	log.Printf("[peer %s] inbound connection", addr)
	go sw.readLoop(s)
}

func (sw *Swarm) handleDialDone(ev dialDoneEvent) {
	s := ev.session
	if s.State() != peer.CONNECTING {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		log.Printf("[peer %s] connect: %v", s.ID(), ev.err)
		s.Disconnect()
		return
	}
	w := wire.NewWire(ev.conn, PEER_TIMEOUT)
	if err := s.StartOutbound(w); err != nil {
		sw.drop(s, err)
		return
	}
	go sw.readLoop(s)
}

// readLoop is the only reader of one connection: the remote handshake first,
// then framed messages until the connection dies. It owns no state.
func (sw *Swarm) readLoop(s *peer.Session) {
	hs, err := s.Wire().ReadHandshake()
	select {
	case sw.events <- handshakeEvent{session: s, hs: hs, err: err}:
	case <-sw.quit:
		return
	}
	if err != nil {
		return
	}
	for {
		length, id, payload, err := s.Wire().ReadMessage()
		select {
		case sw.events <- messageEvent{session: s, length: length, id: id, payload: payload, err: err}:
		case <-sw.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (sw *Swarm) handleHandshake(ev handshakeEvent) {
	s := ev.session
	if s.State() == peer.DISCONNECTED {
		return
	}
	if ev.err != nil {
		sw.drop(s, ev.err)
		return
	}
	if err := s.HandleHandshake(ev.hs); err != nil {
		sw.drop(s, err)
		return
	}
	log.Printf("[peer %s] handshake complete", s.ID())
}

func (sw *Swarm) handleMessage(ev messageEvent) {
	s := ev.session
	if s.State() == peer.DISCONNECTED {
		return
	}
	if ev.err != nil {
		sw.drop(s, ev.err)
		return
	}
	if ev.length == 0 {
		// keep-alive
		return
	}

	completed, err := s.HandleMessage(ev.id, ev.payload)
	if err != nil {
		sw.drop(s, err)
		return
	}
	if ev.id == wire.INTERESTED {
		peer.ManageUploadSlots(sw.sessions)
	}
	if completed >= 0 {
		sw.onPieceCompleted(completed)
	}
}

// onPieceCompleted runs after a piece verified and hit the disk: announce it
// to every active session and refresh interest everywhere.
func (sw *Swarm) onPieceCompleted(pieceIndex int) {
	log.Printf("[swarm] piece %d verified (%d/%d)",
		pieceIndex, sw.pieceMgr.GetPiecesDownloaded(), sw.torrent.NumPieces)
	sw.stats.SetLeft(sw.pieceMgr.BytesLeft())

	for _, s := range sw.sessions {
		if s.State() != peer.ACTIVE {
			continue
		}
		if err := s.SendHave(pieceIndex); err != nil {
			sw.drop(s, err)
			continue
		}
		if err := s.UpdateInterest(); err != nil {
			sw.drop(s, err)
		}
	}
}

func (sw *Swarm) handleTrackerRefresh(ev trackerEvent) {
	if ev.err != nil {
		log.Printf("[tracker] refresh failed: %v", ev.err)
		return
	}
	addrs := make([]string, 0, len(ev.resp.Peers))
	for _, p := range ev.resp.Peers {
		addrs = append(addrs, p.Addr())
	}
	sw.enqueuePeers(addrs)
	sw.dialPending()
}

func (sw *Swarm) refreshTracker() {
	if sw.cfg.SkipTracker {
		return
	}
	go func() {
		resp, err := sw.tracker.Announce(tracker.NONE)
		select {
		case sw.events <- trackerEvent{resp: resp, err: err}:
		case <-sw.quit:
		}
	}()
}

func (sw *Swarm) announceCompleted() {
	if sw.completedSent {
		return
	}
	sw.completedSent = true
	elapsed := time.Since(sw.startTime).Round(time.Second)
	log.Printf("[swarm] download complete: %s (%d bytes) in %s",
		sw.torrent.Name, sw.torrent.Length, elapsed)
	if !sw.cfg.SkipTracker {
		go sw.tracker.Announce(tracker.COMPLETED)
	}
}

// scheduleAll tops up the pipeline of every session allowed to request.
func (sw *Swarm) scheduleAll() {
	for _, s := range sw.sessions {
		if s.State() != peer.ACTIVE || s.PeerChoking() || !s.AmInterested() {
			continue
		}
		if err := s.FillPipeline(); err != nil {
			sw.drop(s, err)
		}
	}
}

func (sw *Swarm) sendKeepAlives() {
	for _, s := range sw.sessions {
		if s.State() != peer.ACTIVE {
			continue
		}
		if err := s.SendKeepAliveIfIdle(KEEPALIVE_INTERVAL); err != nil {
			sw.drop(s, err)
		}
	}
}

func (sw *Swarm) logProgress() {
	sw.stats.GetPeerStats()
	up, down := sw.stats.GetClientRates()
	done := sw.pieceMgr.GetPiecesDownloaded()
	percentage := float32(done) / float32(sw.torrent.NumPieces) * 100
	log.Printf("[swarm] %.1f%% (%d/%d pieces), %d peers, down %d KB/s, up %d KB/s",
		percentage, done, sw.torrent.NumPieces, len(sw.sessions),
		down/1024/int(CHOKE_INTERVAL/time.Second), up/1024/int(CHOKE_INTERVAL/time.Second))
}

func (sw *Swarm) drop(s *peer.Session, err error) {
	if _, ok := errors.Cause(err).(wire.ProtocolError); ok {
		log.Printf("[peer %s] protocol violation: %v", s.ID(), err)
	} else {
		log.Printf("[peer %s] dropped: %v", s.ID(), err)
	}
	s.Disconnect()
}

// collectDisconnected garbage-collects terminal sessions after each pass.
func (sw *Swarm) collectDisconnected() {
	alive := sw.sessions[:0]
	for _, s := range sw.sessions {
		if s.State() != peer.DISCONNECTED {
			alive = append(alive, s)
		}
	}
	for i := len(alive); i < len(sw.sessions); i++ {
		sw.sessions[i] = nil
	}
	sw.sessions = alive
}
