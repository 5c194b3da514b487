package swarm

import (
	"net"

	"github.com/tluk11/Bit-Torrent/gobt/peer"
	"github.com/tluk11/Bit-Torrent/gobt/tracker"
	"github.com/tluk11/Bit-Torrent/gobt/wire"
)

// Everything the coordinator reacts to arrives as one of these on a single
// channel; dispatch is a type switch in the run loop. Reader and dialer
// goroutines produce events and never touch session or torrent state.

type event interface{}

// dialDoneEvent reports a completed (or failed) outbound connect.
type dialDoneEvent struct {
	session *peer.Session
	conn    net.Conn
	err     error
}

// handshakeEvent carries the remote handshake read off a connection.
type handshakeEvent struct {
	session *peer.Session
	hs      *wire.Handshake
	err     error
}

// messageEvent carries one framed message; length 0 is a keep-alive.
type messageEvent struct {
	session *peer.Session
	length  int32
	id      byte
	payload []byte
	err     error
}

// trackerEvent reports an asynchronous announce refresh.
type trackerEvent struct {
	resp *tracker.Response
	err  error
}
