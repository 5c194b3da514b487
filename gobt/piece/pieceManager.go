package piece

var (
	BLOCK_SIZE = 16384 // 2^14
)

// PieceManager owns the in-flight piece buffers, block accounting, hash
// verification and the client bitfield. Per-block requested/received state
// lives here so the per-peer scheduler carries only its pipeline counter
// and the list of blocks it has in flight.
type PieceManager interface {
	GetBitField() (clientBitfield []byte)
	Have(pieceIndex int) bool
	GetPiecesDownloaded() (piecesDownloaded int)
	AllDownloaded() bool
	BytesLeft() (left int)

	// NextRequest picks the first eligible (piece, block) for a peer and
	// marks it requested. ok is false when the peer has nothing we need
	// that is not already in flight.
	NextRequest(peerHas func(pieceIndex int) bool) (pieceIndex, begin, length int, ok bool)
	CancelRequest(pieceIndex, begin int)
	InterestedIn(peerHas func(pieceIndex int) bool) bool

	// AcceptBlock stores one received block. downloadedPiece is true only
	// when the block completed a piece whose hash verified; on a hash
	// mismatch the piece is reset and left to be re-requested.
	AcceptBlock(id string, pieceIndex, begin int, block []byte) (downloadedPiece bool, err error)
	ReadBlock(pieceIndex, begin, length int) (blockData []byte, err error)
}
