package piece

import (
	"bytes"
	"crypto/sha1"
	"log"
	"math"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"github.com/tluk11/Bit-Torrent/gobt/storage"
	"github.com/tluk11/Bit-Torrent/gobt/torrent"
	"github.com/tluk11/Bit-Torrent/gobt/wire"
)

type sequential struct {
	sync.RWMutex
	torrent        *torrent.Torrent
	storage        storage.Storage
	clientBitField bitmap.Bitmap
	pieceInfo      []*pieceInfo
	piecesDone     int
}

type pieceInfo struct {
	downloaded bool
	blocks     []*blockInfo
	// data is allocated on the first block and released once the piece is
	// verified and written, or zeroed again on a hash mismatch.
	data       []byte
	blocksDone int
	peers      mapset.Set
}

type blockInfo struct {
	downloaded bool
	requested  bool
	length     int
}

// NewSequentialPieceManager builds the piece store for a torrent: pieces and
// blocks are handed out in ascending index order, first eligible wins.
func NewSequentialPieceManager(
	tor *torrent.Torrent,
	storage storage.Storage) PieceManager {

	pm := &sequential{
		torrent:        tor,
		storage:        storage,
		clientBitField: bitmap.New(tor.NumPieces),
	}

	pis := make([]*pieceInfo, 0, tor.NumPieces)
	for i := 0; i < tor.NumPieces; i++ {
		pieceSize := tor.PieceSize(i)
		numBlocks := int(math.Ceil(float64(pieceSize) / float64(BLOCK_SIZE)))
		pi := &pieceInfo{
			blocks: make([]*blockInfo, 0, numBlocks),
			peers:  mapset.NewSet(),
		}
		for b := 0; b < numBlocks; b++ {
			length := BLOCK_SIZE
			if b == numBlocks-1 {
				length = pieceSize - (numBlocks-1)*BLOCK_SIZE
			}
			pi.blocks = append(pi.blocks, &blockInfo{length: length})
		}
		pis = append(pis, pi)
	}
	pm.pieceInfo = pis
	return pm
}

func (pm *sequential) GetBitField() []byte {
	pm.RLock()
	defer pm.RUnlock()

	return wire.PackBitfield(pm.clientBitField, pm.torrent.NumPieces)
}

func (pm *sequential) Have(pieceIndex int) bool {
	pm.RLock()
	defer pm.RUnlock()

	return pieceIndex >= 0 && pieceIndex < pm.torrent.NumPieces &&
		pm.pieceInfo[pieceIndex].downloaded
}

func (pm *sequential) GetPiecesDownloaded() int {
	pm.RLock()
	defer pm.RUnlock()

	return pm.piecesDone
}

func (pm *sequential) AllDownloaded() bool {
	pm.RLock()
	defer pm.RUnlock()

	return pm.piecesDone == pm.torrent.NumPieces
}

func (pm *sequential) BytesLeft() int {
	pm.RLock()
	defer pm.RUnlock()

	left := 0
	for i, pi := range pm.pieceInfo {
		if !pi.downloaded {
			left += pm.torrent.PieceSize(i)
		}
	}
	return left
}

func (pm *sequential) InterestedIn(peerHas func(int) bool) bool {
	pm.RLock()
	defer pm.RUnlock()

	for i := 0; i < pm.torrent.NumPieces; i++ {
		if !pm.pieceInfo[i].downloaded && peerHas(i) {
			return true
		}
	}
	return false
}

func (pm *sequential) NextRequest(peerHas func(int) bool) (int, int, int, bool) {
	pm.Lock()
	defer pm.Unlock()

	for i := 0; i < pm.torrent.NumPieces; i++ {
		pi := pm.pieceInfo[i]
		if pi.downloaded || !peerHas(i) {
			continue
		}
		for b, block := range pi.blocks {
			if !block.downloaded && !block.requested {
				block.requested = true
				return i, b * BLOCK_SIZE, block.length, true
			}
		}
	}
	return 0, 0, 0, false
}

func (pm *sequential) CancelRequest(pieceIndex, begin int) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.torrent.NumPieces {
		return
	}
	pi := pm.pieceInfo[pieceIndex]
	b := begin / BLOCK_SIZE
	if b < 0 || b >= len(pi.blocks) || pi.blocks[b].downloaded {
		return
	}
	pi.blocks[b].requested = false
}

func (pm *sequential) AcceptBlock(id string, pieceIndex, begin int, block []byte) (bool, error) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.torrent.NumPieces {
		return false, errors.Errorf("block for piece %d of %d", pieceIndex, pm.torrent.NumPieces)
	}
	pieceSize := pm.torrent.PieceSize(pieceIndex)
	if begin < 0 || begin%BLOCK_SIZE != 0 || begin+len(block) > pieceSize {
		return false, errors.Errorf("block out of bounds: piece %d begin %d length %d", pieceIndex, begin, len(block))
	}
	if len(block) != BLOCK_SIZE && begin+len(block) != pieceSize {
		return false, errors.Errorf("short block mid-piece: piece %d begin %d length %d", pieceIndex, begin, len(block))
	}

	pi := pm.pieceInfo[pieceIndex]
	if pi.downloaded {
		return false, nil
	}
	b := begin / BLOCK_SIZE
	if pi.blocks[b].downloaded {
		// duplicate delivery
		return false, nil
	}

	if pi.data == nil {
		pi.data = make([]byte, pieceSize)
	}
	copy(pi.data[begin:begin+len(block)], block)
	pi.blocks[b].downloaded = true
	pi.blocks[b].requested = false
	pi.blocksDone++
	pi.peers.Add(id)

	if pi.blocksDone < len(pi.blocks) {
		return false, nil
	}

	// Whole piece assembled; verify against the published hash.
	actual := sha1.Sum(pi.data)
	if !bytes.Equal(actual[:], pm.torrent.PieceHash(pieceIndex)) {
		log.Printf("[piece %d] checksum mismatch, resetting (contributors: %v)", pieceIndex, pi.peers.ToSlice())
		pm.resetPiece(pi)
		return false, nil
	}

	if err := pm.storage.WritePiece(pieceIndex, pi.data); err != nil {
		return false, err
	}
	pi.downloaded = true
	pi.data = nil
	pi.peers = mapset.NewSet()
	pm.piecesDone++
	pm.clientBitField.Set(pieceIndex, true)
	return true, nil
}

// resetPiece rolls a failed piece back to empty so the scheduler re-requests
// every block. No contributor is blamed; several peers may have fed it.
func (pm *sequential) resetPiece(pi *pieceInfo) {
	for i := range pi.data {
		pi.data[i] = 0
	}
	for _, block := range pi.blocks {
		block.downloaded = false
		block.requested = false
	}
	pi.blocksDone = 0
	pi.peers = mapset.NewSet()
}

func (pm *sequential) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	pm.RLock()
	if pieceIndex < 0 || pieceIndex >= pm.torrent.NumPieces || !pm.pieceInfo[pieceIndex].downloaded {
		pm.RUnlock()
		return nil, errors.Errorf("piece %d not downloaded", pieceIndex)
	}
	pm.RUnlock()
	return pm.storage.ReadBlock(pieceIndex, begin, length)
}
