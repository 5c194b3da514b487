package storage

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/tluk11/Bit-Torrent/gobt/torrent"
)

var (
	// Verified pieces kept in memory for serving REQUESTs without a disk
	// round trip per block.
	PIECE_CACHE_SIZE = 8
)

type randomAccessStorage struct {
	torrent  *torrent.Torrent
	file     pieceFile
	fileLock sync.Mutex
	cache    *lru.Cache
}

// Subset of afero.File the storage layer touches; tests mock just this.
type pieceFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

func NewRandomAccessStorage(
	tor *torrent.Torrent) (Storage, error) {

	file, err := openFile(tor.Name, os.O_CREATE|os.O_RDWR, 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", tor.Name)
	}
	cache, err := lru.New(PIECE_CACHE_SIZE)
	if err != nil {
		return nil, err
	}
	return &randomAccessStorage{
		torrent: tor,
		file:    file,
		cache:   cache,
	}, nil
}

func (d *randomAccessStorage) WritePiece(pieceIndex int, data []byte) error {
	offset := int64(pieceIndex) * int64(d.torrent.PieceLength)
	d.fileLock.Lock()
	_, err := d.file.WriteAt(data, offset)
	if err == nil {
		err = d.file.Sync()
	}
	d.fileLock.Unlock()
	if err != nil {
		return errors.Wrapf(err, "write piece %d", pieceIndex)
	}

	cached := make([]byte, len(data))
	copy(cached, data)
	d.cache.Add(pieceIndex, cached)
	return nil
}

func (d *randomAccessStorage) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	pieceSize := d.torrent.PieceSize(pieceIndex)
	if begin < 0 || length <= 0 || begin+length > pieceSize {
		return nil, errors.Errorf("block read out of range: piece %d begin %d length %d", pieceIndex, begin, length)
	}

	piece, err := d.readPiece(pieceIndex, pieceSize)
	if err != nil {
		return nil, err
	}
	return piece[begin : begin+length], nil
}

func (d *randomAccessStorage) readPiece(pieceIndex, pieceSize int) ([]byte, error) {
	if cached, ok := d.cache.Get(pieceIndex); ok {
		return cached.([]byte), nil
	}

	data := make([]byte, pieceSize)
	offset := int64(pieceIndex) * int64(d.torrent.PieceLength)
	d.fileLock.Lock()
	_, err := d.file.ReadAt(data, offset)
	d.fileLock.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "read piece %d", pieceIndex)
	}
	d.cache.Add(pieceIndex, data)
	return data, nil
}

func (d *randomAccessStorage) Close() error {
	return d.file.Close()
}
