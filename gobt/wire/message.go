package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	PIECE          = 7
	CANCEL         = 8
)

const (
	PROTOCOL         = "BitTorrent protocol"
	HANDSHAKE_LENGTH = 68
	// An honest peer never sends a frame anywhere near this; anything
	// larger is treated as a framing error.
	MAX_MESSAGE_LENGTH = 1 << 20
)

// ProtocolError marks a malformed frame or handshake. The session that
// produced it is dropped; the error never propagates past the coordinator.
type ProtocolError string

func (e ProtocolError) Error() string {
	return "protocol error: " + string(e)
}

func errProtocolf(format string, args ...interface{}) error {
	return ProtocolError(fmt.Sprintf(format, args...))
}

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

func EncodeHandshake(infoHash, peerID []byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(19))
	binary.Write(b, binary.BigEndian, []byte(PROTOCOL))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infoHash[:20])
	binary.Write(b, binary.BigEndian, peerID[:20])
	return b.Bytes()
}

func DecodeHandshake(data []byte) (*Handshake, error) {
	if len(data) != HANDSHAKE_LENGTH {
		return nil, errProtocolf("handshake is %d bytes, want %d", len(data), HANDSHAKE_LENGTH)
	}
	h := &Handshake{}
	if err := binary.Read(bytes.NewBuffer(data), binary.BigEndian, h); err != nil {
		return nil, err
	}
	if h.Len != 19 {
		return nil, errProtocolf("handshake pstrlen %d, want 19", h.Len)
	}
	if string(h.Protocol[:]) != PROTOCOL {
		return nil, errProtocolf("handshake protocol %q", string(h.Protocol[:]))
	}
	return h, nil
}

// Validate checks the swarm identifier; reserved bytes are ignored.
func (h *Handshake) Validate(infoHash []byte) error {
	if !bytes.Equal(h.InfoHash[:], infoHash) {
		return errProtocolf("handshake info_hash mismatch")
	}
	return nil
}

func EncodeMessage(id byte, payload []byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(payload)))
	binary.Write(b, binary.BigEndian, id)
	binary.Write(b, binary.BigEndian, payload)
	return b.Bytes()
}

func EncodeKeepAlive() []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return b.Bytes()
}

// CheckLength vets the frame length prefix before the payload is read.
func CheckLength(length int32) error {
	if length < 0 || length > MAX_MESSAGE_LENGTH {
		return errProtocolf("frame length %d", length)
	}
	return nil
}

// CheckPayload vets a message id against its payload size.
func CheckPayload(id byte, payload []byte) error {
	switch id {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		if len(payload) != 0 {
			return errProtocolf("message %d with %d byte payload", id, len(payload))
		}
	case HAVE:
		if len(payload) != 4 {
			return errProtocolf("HAVE payload %d bytes, want 4", len(payload))
		}
	case BITFIELD:
		// any length; the session keeps only the torrent's first NumPieces bits
	case REQUEST, CANCEL:
		if len(payload) != 12 {
			return errProtocolf("message %d payload %d bytes, want 12", id, len(payload))
		}
	case PIECE:
		if len(payload) < 8 {
			return errProtocolf("PIECE payload %d bytes, want >= 8", len(payload))
		}
	default:
		return errProtocolf("unknown message id %d", id)
	}
	return nil
}

func ParseHave(payload []byte) (pieceIndex int, err error) {
	var index int32
	if err := binary.Read(bytes.NewBuffer(payload), binary.BigEndian, &index); err != nil {
		return 0, err
	}
	return int(index), nil
}

func ParseRequest(payload []byte) (pieceIndex, begin, length int, err error) {
	b := bytes.NewBuffer(payload)
	var index, beg, l int32
	binary.Read(b, binary.BigEndian, &index)
	binary.Read(b, binary.BigEndian, &beg)
	if err := binary.Read(b, binary.BigEndian, &l); err != nil {
		return 0, 0, 0, err
	}
	return int(index), int(beg), int(l), nil
}

func ParsePiece(payload []byte) (pieceIndex, begin int, block []byte, err error) {
	b := bytes.NewBuffer(payload)
	var index, beg int32
	binary.Read(b, binary.BigEndian, &index)
	if err := binary.Read(b, binary.BigEndian, &beg); err != nil {
		return 0, 0, nil, err
	}
	return int(index), int(beg), b.Bytes(), nil
}

// PackBitfield converts an in-memory bitmap to wire order: bit 7-(i%8) of
// byte i/8 represents piece i, trailing pad bits zero.
func PackBitfield(bm bitmap.Bitmap, numPieces int) []byte {
	raw := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if bm.Get(i) {
			raw[i/8] |= 1 << uint(7-i%8)
		}
	}
	return raw
}

// UnpackBitfield converts wire order back to a bitmap of numPieces bits.
// Payloads of any length are accepted; bits at or beyond numPieces are
// ignored.
func UnpackBitfield(raw []byte, numPieces int) bitmap.Bitmap {
	bm := bitmap.New(numPieces)
	for i := 0; i < numPieces && i/8 < len(raw); i++ {
		if raw[i/8]&(1<<uint(7-i%8)) != 0 {
			bm.Set(i, true)
		}
	}
	return bm
}
