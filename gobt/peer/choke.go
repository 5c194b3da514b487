package peer

import (
	"log"
)

var (
	UPLOAD_SLOTS = 4
)

// ManageUploadSlots unchokes interested peers up to the fixed slot cap,
// walking sessions in insertion order. Runs when a peer turns INTERESTED
// and on the periodic tick; peers that went uninterested were already
// re-choked by their session handler.
func ManageUploadSlots(sessions []*Session) {
	unchoked := 0
	for _, s := range sessions {
		if s.state == ACTIVE && !s.amChoking {
			unchoked++
		}
	}

	for _, s := range sessions {
		if unchoked >= UPLOAD_SLOTS {
			return
		}
		if s.state != ACTIVE || !s.peerInterested || !s.amChoking {
			continue
		}
		if err := s.wire.SendUnchoke(); err != nil {
			log.Printf("[peer %s] unchoke failed: %v", s.id, err)
			s.Disconnect()
			continue
		}
		s.amChoking = false
		unchoked++
	}
}
