package torrent

import (
	"crypto/sha1"
	"io"
	"log"
	"math/rand"
	"os"

	"github.com/marksamman/bencode"
	"github.com/pkg/errors"
)

var (
	PEER_ID = make([]byte, 20, 20)
)

func init() {
	copy(PEER_ID[:8], []byte("-BT0001-"))
	_, err := rand.Read(PEER_ID[8:])
	if err != nil {
		log.Fatalln(err)
	}
}

// ErrInvalidMetainfo is returned for any structurally broken or unsupported
// metainfo file. Startup aborts on it.
var ErrInvalidMetainfo = errors.New("invalid metainfo")

// Torrent is the read-only metainfo record shared by every component.
type Torrent struct {
	Name         string
	Length       int // total content bytes
	PieceLength  int // bytes per piece, last piece excepted
	NumPieces    int
	Pieces       string // packed 20-byte SHA-1 hashes
	InfoHash     []byte
	Announce     string
	AnnounceList []string
}

func NewTorrent(path string) (*Torrent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidMetainfo, "open %s: %v", path, err)
	}
	defer file.Close()
	return NewTorrentFromReader(file)
}

func NewTorrentFromReader(r io.Reader) (*Torrent, error) {
	data, err := bencode.Decode(r)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidMetainfo, "bencode: %v", err)
	}

	tor := &Torrent{}
	if announce, ok := data["announce"].(string); ok {
		tor.Announce = announce
	}
	if announceList, ok := data["announce-list"].([]interface{}); ok {
		for _, tier := range announceList {
			tierList, ok := tier.([]interface{})
			if !ok || len(tierList) == 0 {
				continue
			}
			if url, ok := tierList[0].(string); ok {
				tor.AnnounceList = append(tor.AnnounceList, url)
			}
		}
	}

	info, ok := data["info"].(map[string]interface{})
	if !ok {
		return nil, errors.Wrap(ErrInvalidMetainfo, "no info dictionary")
	}
	infoHash := sha1.Sum(bencode.Encode(info))
	tor.InfoHash = infoHash[:]

	if name, ok := info["name"].(string); ok {
		tor.Name = name
	}
	if _, ok := info["files"]; ok {
		return nil, errors.Wrap(ErrInvalidMetainfo, "multi-file torrents not supported")
	}
	length, ok := info["length"].(int64)
	if !ok || length <= 0 {
		return nil, errors.Wrap(ErrInvalidMetainfo, "bad length")
	}
	tor.Length = int(length)
	pieceLength, ok := info["piece length"].(int64)
	if !ok || pieceLength <= 0 {
		return nil, errors.Wrap(ErrInvalidMetainfo, "bad piece length")
	}
	tor.PieceLength = int(pieceLength)
	pieces, ok := info["pieces"].(string)
	if !ok || len(pieces)%20 != 0 {
		return nil, errors.Wrap(ErrInvalidMetainfo, "bad pieces string")
	}
	tor.Pieces = pieces
	tor.NumPieces = len(pieces) / 20

	if tor.NumPieces != (tor.Length+tor.PieceLength-1)/tor.PieceLength {
		return nil, errors.Wrap(ErrInvalidMetainfo, "piece count does not match length")
	}
	return tor, nil
}

// PieceHash returns the published 20-byte hash of piece i.
func (t *Torrent) PieceHash(i int) []byte {
	return []byte(t.Pieces[20*i : 20*(i+1)])
}

// PieceSize returns the byte length of piece i; only the last piece may be
// shorter than PieceLength.
func (t *Torrent) PieceSize(i int) int {
	if i == t.NumPieces-1 {
		return t.Length - (t.NumPieces-1)*t.PieceLength
	}
	return t.PieceLength
}

// Trackers returns the announce URLs in priority order.
func (t *Torrent) Trackers() []string {
	if len(t.AnnounceList) > 0 {
		return t.AnnounceList
	}
	if t.Announce != "" {
		return []string{t.Announce}
	}
	return nil
}
