package peer

// FillPipeline issues REQUESTs until the pipeline is full or the peer has
// no eligible block left. Blocks are handed out by the piece store in
// ascending piece then block order; a failed send is returned to the store
// before the error propagates.
func (s *Session) FillPipeline() error {
	if s.state != ACTIVE || s.peerChoking || !s.amInterested {
		return nil
	}
	for s.outstanding < s.maxPipeline {
		pieceIndex, begin, length, ok := s.pieceMgr.NextRequest(s.PeerHas)
		if !ok {
			return nil
		}
		if err := s.wire.SendRequest(pieceIndex, begin, length); err != nil {
			s.pieceMgr.CancelRequest(pieceIndex, begin)
			return err
		}
		s.pending = append(s.pending, blockRef{pieceIndex: pieceIndex, begin: begin})
		s.outstanding++
	}
	return nil
}
