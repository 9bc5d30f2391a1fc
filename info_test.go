package btforensics_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/f4n4t/go-btforensics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// piecesOf hashes data like a torrent creator would.
func piecesOf(data []byte, pieceLength int) []byte {
	var pieces []byte
	for start := 0; start < len(data); start += pieceLength {
		h := sha1.Sum(data[start:min(start+pieceLength, len(data))])
		pieces = append(pieces, h[:]...)
	}
	return pieces
}

func TestService_VerifyAgainst_SingleFile(t *testing.T) {
	dir := createTestDir(t, file{"hello.txt", []byte("hello world\n")})

	torrentContent := buildTorrent("hello.txt", 6, piecesOf([]byte("hello world\n"), 6), nil, 12)

	for _, mode := range []btforensics.HashMode{btforensics.HashModeSerial, btforensics.HashModeParallel} {
		service := btforensics.NewServiceBuilder().WithHashMode(mode).Build()

		// the file itself and the folder holding it
		for _, root := range []string{filepath.Join(dir, "hello.txt"), dir} {
			report, err := service.VerifyAgainst(torrentContent, root)
			require.NoError(t, err)

			require.Len(t, report.Rows, 2)
			assert.True(t, report.AllMatched())
			assert.Equal(t, "c4d871ad13ad00fde9a7bb7ff7ed2543aec54241", report.Rows[0].Computed.String())
			assert.Equal(t, "9591818c07e900db7e1e0bc4b884c945e6a61b24", report.Rows[1].Expected.String())
		}
	}
}

func TestService_VerifyAgainst_MultiFileWithMissingFile(t *testing.T) {
	var (
		a = []byte("AAAAaaaa")
		b = []byte("BBBB")
		c = []byte("CCCCcccc")
	)

	original := bytes.Join([][]byte{a, b, c}, nil)
	files := []torrentFile{
		{path: []string{"a.bin"}, length: 8},
		{path: []string{"sub", "b.bin"}, length: 4},
		{path: []string{"c.bin"}, length: 8},
	}
	torrentContent := buildTorrent("release", 4, piecesOf(original, 4), files, 0)

	dir := createTestDir(t,
		file{"release/a.bin", a},
		file{"release/c.bin", c},
	)

	service := btforensics.NewServiceBuilder().WithHashThreads(3).Build()

	report, err := service.VerifyAgainst(torrentContent, dir)
	require.NoError(t, err)

	require.Len(t, report.Rows, 5)
	matched := make([]bool, len(report.Rows))
	for i, row := range report.Rows {
		assert.Equal(t, i+1, row.Index)
		matched[i] = row.Matched
	}

	// only the piece of the missing file fails, everything behind it stays aligned
	assert.Equal(t, []bool{true, true, false, true, true}, matched)
	assert.Equal(t, 1, report.MissingFiles)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, int64(8), report.Gaps[0].Offset)
	assert.Equal(t, int64(4), report.Gaps[0].Length)
	assert.Equal(t, int64(4), report.PieceLength)
	assert.Equal(t, int64(20), report.TotalLength)
}

func TestService_VerifyAgainst_PieceStraddlesFiles(t *testing.T) {
	var (
		a = []byte("12345")
		b = []byte("67")
		c = []byte("890ab")
	)

	original := bytes.Join([][]byte{a, b, c}, nil)
	files := []torrentFile{
		{path: []string{"a"}, length: 5},
		{path: []string{"b"}, length: 2},
		{path: []string{"c"}, length: 5},
	}
	torrentContent := buildTorrent("straddle", 4, piecesOf(original, 4), files, 0)

	// b is short by one byte, c carries trailing junk
	dir := createTestDir(t,
		file{"a", a},
		file{"b", []byte("6")},
		file{"c", []byte("890abJUNK")},
	)

	report, err := btforensics.NewServiceBuilder().Build().VerifyAgainst(torrentContent, dir)
	require.NoError(t, err)

	require.Len(t, report.Rows, 3)
	// piece 2 covers "5678" and holds a filler byte
	assert.True(t, report.Rows[0].Matched)
	assert.False(t, report.Rows[1].Matched)
	assert.True(t, report.Rows[2].Matched)
	assert.Zero(t, report.MissingFiles)
}

func TestService_VerifyAgainst_Errors(t *testing.T) {
	dir := createTestDir(t, file{"hello.txt", []byte("hello world\n")})

	service := btforensics.NewServiceBuilder().Build()

	t.Run("not a torrent", func(t *testing.T) {
		_, err := service.VerifyAgainst([]byte("d4:name4:teste"), dir)
		assert.ErrorIs(t, err, btforensics.ErrFormat)
	})

	t.Run("content missing", func(t *testing.T) {
		torrentContent := buildTorrent("hello.txt", 6, piecesOf([]byte("hello world\n"), 6), nil, 12)
		_, err := service.VerifyAgainst(torrentContent, filepath.Join(dir, "nope"))
		assert.ErrorIs(t, err, btforensics.ErrIO)
	})

	t.Run("wrong content size", func(t *testing.T) {
		torrentContent := buildTorrent("hello.txt", 4, piecesOf([]byte("hello world\n"), 4), nil, 12)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("hello"), 0644))

		report, err := service.VerifyAgainst(torrentContent, filepath.Join(dir, "small.txt"))
		assert.ErrorIs(t, err, btforensics.ErrMismatch)
		assert.Nil(t, report)
	})

	t.Run("negative file length", func(t *testing.T) {
		files := []torrentFile{
			{path: []string{"hello.txt"}, length: 4},
			{path: []string{"b"}, length: -8},
		}
		torrentContent := buildTorrent("tampered", 4, piecesOf([]byte("hell"), 4), files, 0)

		report, err := service.VerifyAgainst(torrentContent, dir)
		assert.ErrorIs(t, err, btforensics.ErrParse)
		assert.Nil(t, report)
	})

	t.Run("all files missing", func(t *testing.T) {
		files := []torrentFile{
			{path: []string{"x"}, length: 4},
			{path: []string{"y"}, length: 4},
		}
		torrentContent := buildTorrent("gone", 4, piecesOf([]byte("xxxxyyyy"), 4), files, 0)

		report, err := service.VerifyAgainst(torrentContent, dir)
		assert.ErrorIs(t, err, btforensics.ErrInsufficientData)
		assert.Nil(t, report)
	})
}

func TestService_VerifyContent_Canceled(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.Disabled)

	data := bytes.Repeat([]byte("forensics"), 1<<18)
	meta := &btforensics.Metadata{PieceLength: 1 << 10}
	for start := 0; start < len(data); start += 1 << 10 {
		meta.PieceHashes = append(meta.PieceHashes, sha1.Sum(data[start:min(start+1<<10, len(data))]))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	service := btforensics.NewServiceBuilder().WithHashMode(btforensics.HashModeParallel).Build()

	report, err := service.VerifyContent(ctx, meta, &btforensics.AssembledContent{Data: data})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
}

func TestServiceBuilder_InvalidHashMode(t *testing.T) {
	assert.Panics(t, func() {
		btforensics.NewServiceBuilder().WithHashMode(btforensics.HashMode(42))
	})
}
