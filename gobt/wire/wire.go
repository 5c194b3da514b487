package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"
)

type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (int32, byte, []byte, error)

	// Writing
	SendHandshake(infoHash []byte, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendPiece(pieceIndex, begin int, block []byte) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	RemoteAddr() net.Addr
	Close()
}

type wire struct {
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	return w.lastMessageSent
}

func (w *wire) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wire) Close() {
	w.conn.Close()
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	data := make([]byte, HANDSHAKE_LENGTH)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return nil, err
	}
	return DecodeHandshake(data)
}

func (w *wire) ReadMessage() (int32, byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return 0, 0, nil, err
	}
	if err := CheckLength(length); err != nil {
		return 0, 0, nil, err
	}
	if length == 0 {
		// keep-alive
		return 0, 0, nil, nil
	}

	var id uint8
	if err := binary.Read(w.conn, binary.BigEndian, &id); err != nil {
		return 0, 0, nil, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return 0, 0, nil, err
	}
	if err := CheckPayload(id, payload); err != nil {
		return 0, 0, nil, err
	}
	return length, id, payload, nil
}

func (w *wire) SendHandshake(infoHash []byte, peerID []byte) error {
	return w.sendMessage(EncodeHandshake(infoHash, peerID))
}

func (w *wire) SendKeepAlive() error {
	return w.sendMessage(EncodeKeepAlive())
}

func (w *wire) SendChoke() error {
	return w.sendMessage(EncodeMessage(CHOKE, nil))
}

func (w *wire) SendUnchoke() error {
	return w.sendMessage(EncodeMessage(UNCHOKE, nil))
}

func (w *wire) SendInterested() error {
	return w.sendMessage(EncodeMessage(INTERESTED, nil))
}

func (w *wire) SendUnInterested() error {
	return w.sendMessage(EncodeMessage(NOT_INTERESTED, nil))
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(EncodeMessage(HAVE, b.Bytes()))
}

func (w *wire) SendBitField(bitfield []byte) error {
	return w.sendMessage(EncodeMessage(BITFIELD, bitfield))
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(EncodeMessage(REQUEST, b.Bytes()))
}

func (w *wire) SendPiece(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(EncodeMessage(PIECE, b.Bytes()))
}

func (w *wire) sendMessage(msg []byte) error {
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	return err
}
