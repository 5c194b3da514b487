package storage

import (
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = appFS.OpenFile

// Storage persists verified pieces and serves block reads for upload.
type Storage interface {
	WritePiece(pieceIndex int, data []byte) (err error)
	ReadBlock(pieceIndex, begin, length int) (blockData []byte, err error)
	Close() error
}
