package storage

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tluk11/Bit-Torrent/gobt/torrent"
)

var tor = &torrent.Torrent{
	Name:        "payload.bin",
	Length:      20000,
	PieceLength: 16384,
	NumPieces:   2,
}

func TestWriteAndReadBack(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile

	s, err := NewRandomAccessStorage(tor)
	require.NoError(t, err)
	defer s.Close()

	piece0 := make([]byte, 16384)
	piece1 := make([]byte, 3616)
	for i := range piece0 {
		piece0[i] = byte(i)
	}
	for i := range piece1 {
		piece1[i] = byte(i * 3)
	}
	require.NoError(t, s.WritePiece(0, piece0))
	require.NoError(t, s.WritePiece(1, piece1))

	block, err := s.ReadBlock(0, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, piece0[100:150], block)

	// last piece, short tail block
	block, err = s.ReadBlock(1, 0, 3616)
	require.NoError(t, err)
	assert.Equal(t, piece1, block)

	// file on disk holds piece 1 at offset PieceLength
	raw, err := afero.ReadFile(appFS, "payload.bin")
	require.NoError(t, err)
	assert.Equal(t, piece1, raw[16384:20000])
}

func TestReadBlockOutOfRange(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile

	s, err := NewRandomAccessStorage(tor)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadBlock(1, 3600, 100)
	assert.Error(t, err)
	_, err = s.ReadBlock(0, -1, 10)
	assert.Error(t, err)
	_, err = s.ReadBlock(0, 0, 0)
	assert.Error(t, err)
}

type mockFile struct {
	mock.Mock
	pieceFile
}

func (m *mockFile) ReadAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	copy(b, args.Get(2).([]byte))
	return args.Int(0), args.Error(1)
}

func (m *mockFile) WriteAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func (m *mockFile) Sync() error {
	return nil
}

func TestReadBlockHitsCache(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile

	s, err := NewRandomAccessStorage(tor)
	require.NoError(t, err)
	mf := &mockFile{}
	s.(*randomAccessStorage).file = mf

	pieceData := make([]byte, 16384)
	pieceData[0] = 0xaa
	mf.On("ReadAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 16384
	}), int64(0)).Return(16384, nil, pieceData).Once()

	b1, err := s.ReadBlock(0, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), b1[0])

	// second read of the same piece is served from the cache
	b2, err := s.ReadBlock(0, 16, 16)
	require.NoError(t, err)
	assert.Len(t, b2, 16)
	mf.AssertExpectations(t)
	mf.AssertNumberOfCalls(t, "ReadAt", 1)
}

func TestWritePiecePopulatesCache(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile

	s, err := NewRandomAccessStorage(tor)
	require.NoError(t, err)
	mf := &mockFile{}
	s.(*randomAccessStorage).file = mf

	data := make([]byte, 3616)
	mf.On("WriteAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 3616
	}), int64(16384)).Return(3616, nil).Once()

	require.NoError(t, s.WritePiece(1, data))

	// read comes back without touching the file
	block, err := s.ReadBlock(1, 0, 3616)
	require.NoError(t, err)
	assert.Equal(t, data, block)
	mf.AssertExpectations(t)
}

func TestOpenFailure(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
		return nil, os.ErrPermission
	}
	_, err := NewRandomAccessStorage(tor)
	assert.Error(t, err)
}
