package btforensics_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/f4n4t/go-btforensics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type file struct {
	name    string
	content []byte
}

// createTestDir writes files below a fresh temp directory and returns it.
func createTestDir(t *testing.T, files ...file) string {
	t.Helper()
	zerolog.SetGlobalLevel(zerolog.Disabled)

	testDir := filepath.Join(t.TempDir(), "testDir")
	require.NoError(t, os.Mkdir(testDir, 0755))

	for _, f := range files {
		path := filepath.Join(testDir, f.name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, f.content, 0644))
	}

	return testDir
}

func layout(lengths map[string]int64, order ...string) btforensics.Files {
	files := make(btforensics.Files, 0, len(order))
	for _, name := range order {
		files = append(files, btforensics.FileInfo{
			Length: lengths[name],
			Path:   strings.Split(name, "/"),
		})
	}
	return files
}

func newAssembler() *btforensics.Assembler {
	return btforensics.NewAssembler(nil, btforensics.DefaultFiller, zerolog.Nop())
}

func TestAssemble_SingleFile(t *testing.T) {
	dir := createTestDir(t, file{"movie.mkv", []byte("hello world\n")})

	content, err := newAssembler().Assemble(nil, filepath.Join(dir, "movie.mkv"))
	require.NoError(t, err)

	assert.Equal(t, []byte("hello world\n"), content.Data)
	assert.Empty(t, content.Gaps)
	assert.Zero(t, content.MissingFiles)
}

func TestAssemble_SingleFileMissing(t *testing.T) {
	dir := createTestDir(t)

	content, err := newAssembler().Assemble(nil, filepath.Join(dir, "nope.bin"))
	assert.ErrorIs(t, err, btforensics.ErrIO)
	assert.Nil(t, content)
}

func TestAssemble_EmptyFile(t *testing.T) {
	dir := createTestDir(t, file{"empty", nil})

	content, err := newAssembler().Assemble(nil, filepath.Join(dir, "empty"))
	require.NoError(t, err)
	assert.Empty(t, content.Data)
}

func TestAssemble_AllPresent(t *testing.T) {
	dir := createTestDir(t,
		file{"a.txt", []byte("Hello\nWorld\n")},
		file{"sub/b.txt", []byte("This\nIs\nMe!\n")},
	)

	files := layout(map[string]int64{"a.txt": 12, "sub/b.txt": 12}, "a.txt", "sub/b.txt")

	content, err := newAssembler().Assemble(files, dir)
	require.NoError(t, err)

	assert.Equal(t, []byte("Hello\nWorld\nThis\nIs\nMe!\n"), content.Data)
	assert.Empty(t, content.Gaps)
}

func TestAssemble_GapFillAlignment(t *testing.T) {
	tests := []struct {
		name     string
		lengths  []int64
		expected []byte
		gaps     []btforensics.Gap
	}{
		{
			name:     "missing empty file",
			lengths:  []int64{4, 0, 4},
			expected: []byte("AAAACCCC"),
			gaps:     []btforensics.Gap{{Offset: 4, Length: 0, Missing: true}},
		},
		{
			name:     "missing file in the middle",
			lengths:  []int64{4, 4, 4},
			expected: []byte("AAAA0000CCCC"),
			gaps:     []btforensics.Gap{{Offset: 4, Length: 4, Missing: true}},
		},
		{
			name:     "missing file with odd length",
			lengths:  []int64{4, 3, 4},
			expected: []byte("AAAA000CCCC"),
			gaps:     []btforensics.Gap{{Offset: 4, Length: 3, Missing: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := createTestDir(t,
				file{"1", []byte("AAAA")},
				file{"3", []byte("CCCC")},
			)

			files := btforensics.Files{
				{Length: tt.lengths[0], Path: []string{"1"}},
				{Length: tt.lengths[1], Path: []string{"2"}},
				{Length: tt.lengths[2], Path: []string{"3"}},
			}

			content, err := newAssembler().Assemble(files, dir)
			require.NoError(t, err)

			assert.Equal(t, tt.expected, content.Data)
			assert.Len(t, content.Data, int(files.TotalLength()))
			assert.Equal(t, 1, content.MissingFiles)
			// file 3 begins at the sum of all preceding declared lengths
			assert.Equal(t, []byte("CCCC"), content.Data[tt.lengths[0]+tt.lengths[1]:])

			require.Len(t, content.Gaps, len(tt.gaps))
			for i, g := range tt.gaps {
				assert.Equal(t, g.Offset, content.Gaps[i].Offset)
				assert.Equal(t, g.Length, content.Gaps[i].Length)
				assert.Equal(t, g.Missing, content.Gaps[i].Missing)
				assert.Equal(t, filepath.Join(dir, "2"), content.Gaps[i].Path)
			}
		})
	}
}

func TestAssemble_SeveralMissingFiles(t *testing.T) {
	dir := createTestDir(t,
		file{"a", []byte("AAAA")},
		file{"c", []byte("CC")},
		file{"e", []byte("EEEEE")},
	)

	files := layout(map[string]int64{"a": 4, "b": 3, "c": 2, "d": 6, "e": 5}, "a", "b", "c", "d", "e")

	content, err := newAssembler().Assemble(files, dir)
	require.NoError(t, err)

	// every later gap must land behind the earlier fills, not inside them
	assert.Equal(t, []byte("AAAA000CC000000EEEEE"), content.Data)
	assert.Equal(t, 2, content.MissingFiles)
	assert.Equal(t, int64(9), content.FilledBytes())
}

func TestAssemble_ShortAndOversizedFiles(t *testing.T) {
	dir := createTestDir(t,
		file{"short", []byte("SS")},
		file{"exact", []byte("XXXX")},
		file{"long", []byte("LLLLLLtrailing")},
		file{"tail", []byte("TT")},
	)

	files := layout(map[string]int64{"short": 4, "exact": 4, "long": 6, "tail": 2}, "short", "exact", "long", "tail")

	content, err := newAssembler().Assemble(files, dir)
	require.NoError(t, err)

	assert.Equal(t, []byte("SS00XXXXLLLLLLTT"), content.Data)
	assert.Zero(t, content.MissingFiles)
	assert.Equal(t, 1, content.ShortFiles)
	assert.Equal(t, 1, content.TruncatedFiles)

	require.Len(t, content.Gaps, 1)
	assert.Equal(t, btforensics.Gap{Offset: 2, Length: 2, Path: filepath.Join(dir, "short")}, content.Gaps[0])
}

func TestAssemble_CustomFiller(t *testing.T) {
	dir := createTestDir(t, file{"a", []byte("AA")})

	files := layout(map[string]int64{"a": 2, "b": 3}, "a", "b")

	content, err := btforensics.NewAssembler(nil, 0x00, zerolog.Nop()).Assemble(files, dir)
	require.NoError(t, err)

	assert.Equal(t, []byte{'A', 'A', 0, 0, 0}, content.Data)
}

func TestAssemble_AllFilesMissing(t *testing.T) {
	dir := createTestDir(t, file{"unrelated", []byte("x")})

	files := layout(map[string]int64{"a": 4, "b": 4}, "a", "b")

	content, err := newAssembler().Assemble(files, dir)
	assert.ErrorIs(t, err, btforensics.ErrInsufficientData)
	assert.Nil(t, content)
}

func TestAssemble_NoLayoutForDirectory(t *testing.T) {
	dir := createTestDir(t, file{"a", []byte("x")})

	_, err := newAssembler().Assemble(nil, dir)
	assert.ErrorIs(t, err, btforensics.ErrInsufficientData)
}

func TestAssemble_DirectoryInLayoutCountsAsMissing(t *testing.T) {
	dir := createTestDir(t,
		file{"a", []byte("AA")},
		file{"b/inner", []byte("x")},
	)

	files := layout(map[string]int64{"a": 2, "b": 2}, "a", "b")

	content, err := newAssembler().Assemble(files, dir)
	require.NoError(t, err)
	assert.Equal(t, []byte("AA00"), content.Data)
	assert.Equal(t, 1, content.MissingFiles)
}

func TestAssembleFor_ResolvesTorrentFolder(t *testing.T) {
	dir := createTestDir(t,
		file{"movie/movie.mkv", []byte("MKV")},
		file{"movie/movie.nfo", []byte("NFO")},
	)

	meta := &btforensics.Metadata{
		Name:        "movie",
		PieceLength: 3,
		Files:       layout(map[string]int64{"movie.mkv": 3, "movie.nfo": 3}, "movie.mkv", "movie.nfo"),
	}

	for _, root := range []string{dir, filepath.Join(dir, "movie")} {
		content, err := newAssembler().AssembleFor(meta, root)
		require.NoError(t, err)
		assert.Equal(t, []byte("MKVNFO"), content.Data)
	}
}

func TestAssembleFor_SingleFileTorrentInDirectory(t *testing.T) {
	dir := createTestDir(t, file{"movie.mkv", []byte("MKV")})

	meta := &btforensics.Metadata{Name: "movie.mkv", PieceLength: 3, Length: 5}

	content, err := newAssembler().AssembleFor(meta, dir)
	require.NoError(t, err)
	assert.Equal(t, []byte("MKV00"), content.Data)

	content, err = newAssembler().AssembleFor(meta, filepath.Join(dir, "movie.mkv"))
	require.NoError(t, err)
	assert.Equal(t, []byte("MKV"), content.Data)
}

// memFS serves files from memory.
type memFS map[string][]byte

type memFileInfo struct {
	os.FileInfo
	size int64
}

func (fi memFileInfo) Size() int64 { return fi.size }
func (fi memFileInfo) IsDir() bool { return fi.size < 0 }

func (m memFS) Stat(name string) (os.FileInfo, error) {
	if data, ok := m[name]; ok {
		return memFileInfo{size: int64(len(data))}, nil
	}
	prefix := name + string(filepath.Separator)
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			return memFileInfo{size: -1}, nil
		}
	}
	return nil, os.ErrNotExist
}

func (m memFS) ReadFile(name string) ([]byte, error) {
	if data, ok := m[name]; ok {
		return bytes.Clone(data), nil
	}
	return nil, errors.New("not found")
}

func TestAssemble_CustomFileSystem(t *testing.T) {
	root := filepath.Join("evidence", "case1")
	fs := memFS{
		filepath.Join(root, "a"): []byte("AAAA"),
		filepath.Join(root, "c"): []byte("CC"),
	}

	files := layout(map[string]int64{"a": 4, "b": 2, "c": 2}, "a", "b", "c")

	content, err := btforensics.NewAssembler(fs, '#', zerolog.Nop()).Assemble(files, root)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA##CC"), content.Data)
}
