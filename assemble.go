package btforensics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/f4n4t/go-release/pkg/utils"
	"github.com/rs/zerolog"
)

// FileSystem is the read-only view of the evidence the assembler works on.
type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
}

// MmapFS reads files from the local file system through a read-only memory map.
type MmapFS struct{}

func (MmapFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// ReadFile returns a private copy of the file content.
func (MmapFS) ReadFile(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// zero length files can't be mapped
	if fi.Size() == 0 {
		return []byte{}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	defer m.Unmap()

	data := make([]byte, len(m))
	copy(data, m)

	return data, nil
}

// Gap is a range of the assembled content that holds filler instead of real data.
type Gap struct {
	Offset int64
	Length int64
	// Path is the file the gap belongs to.
	Path string
	// Missing is true if the whole file was absent, false if it was short.
	Missing bool
}

// AssembledContent is the candidate content of a torrent, ready to be cut into pieces.
type AssembledContent struct {
	Data           []byte
	Gaps           []Gap
	MissingFiles   int
	ShortFiles     int
	TruncatedFiles int
}

// FilledBytes returns the number of filler bytes in Data.
func (c *AssembledContent) FilledBytes() int64 {
	var n int64
	for _, g := range c.Gaps {
		n += g.Length
	}
	return n
}

// Assembler builds AssembledContent from a single file or a declared file layout.
type Assembler struct {
	fs     FileSystem
	filler byte
	log    zerolog.Logger
}

// NewAssembler creates an Assembler. A nil fs falls back to MmapFS.
func NewAssembler(fs FileSystem, filler byte, logger zerolog.Logger) *Assembler {
	if fs == nil {
		fs = MmapFS{}
	}
	return &Assembler{fs: fs, filler: filler, log: logger}
}

// AssembleFor assembles the content for meta. A directory root is resolved below root/<name>
// when that folder exists, and single-file torrents are looked up as root/<name>.
func (a *Assembler) AssembleFor(meta *Metadata, root string) (*AssembledContent, error) {
	fi, err := a.fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: content path %s: %v", ErrIO, root, err)
	}

	if !fi.IsDir() {
		return a.readSingle(root)
	}

	files := meta.Files
	if !meta.IsDir() {
		if meta.Name == "" {
			return nil, fmt.Errorf("%w: no file layout declared for directory %s", ErrInsufficientData, root)
		}
		files = Files{{Length: meta.Length, Path: []string{meta.Name}}}
	} else {
		root = a.resolveBase(root, meta.Name)
	}

	return a.Assemble(files, root)
}

// Assemble reads root verbatim if it is a file, otherwise every entry of files below root in
// declared order. Missing and short files are filled, oversized files are cut to their
// declared length, so every present file starts at its declared offset.
func (a *Assembler) Assemble(files Files, root string) (*AssembledContent, error) {
	fi, err := a.fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: content path %s: %v", ErrIO, root, err)
	}

	if !fi.IsDir() {
		return a.readSingle(root)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no file layout declared for directory %s", ErrInsufficientData, root)
	}

	a.log.Info().Str("root", root).Int("files", len(files)).Msg("assembling content from directory")

	var (
		content = &AssembledContent{}
		data    = make([]byte, files.TotalLength())
		offset  int64
	)

	for _, f := range files {
		path := f.BuildFullPath(root)
		logger := a.log.With().Str("file", filepath.Join(f.Path...)).Logger()

		fileData, err := a.readComponent(path)
		if err != nil {
			logger.Warn().Err(err).Str("size", utils.Bytes(f.Length)).Msg("missing, queueing fill")
			content.MissingFiles++
			content.Gaps = append(content.Gaps, Gap{Offset: offset, Length: f.Length, Path: path, Missing: true})
			offset += f.Length
			continue
		}

		actual := int64(len(fileData))

		switch {
		case actual == f.Length:
			logger.Debug().Int64("size", actual).Msg("found, size matched")

		case actual < f.Length:
			logger.Warn().Int64("size", actual).Int64("expected", f.Length).Msg("file is shorter than declared, queueing fill")
			content.ShortFiles++
			content.Gaps = append(content.Gaps, Gap{Offset: offset + actual, Length: f.Length - actual, Path: path})

		default:
			logger.Warn().Int64("size", actual).Int64("expected", f.Length).Msg("file is larger than declared, trimming end")
			content.TruncatedFiles++
			fileData = fileData[:f.Length]
		}

		copy(data[offset:], fileData)
		offset += f.Length
	}

	if content.MissingFiles == len(files) {
		return nil, fmt.Errorf("%w: all %d files are missing", ErrInsufficientData, len(files))
	}

	for _, g := range content.Gaps {
		fill(data[g.Offset:g.Offset+g.Length], a.filler)
	}

	if len(content.Gaps) > 0 {
		a.log.Warn().
			Int("missing", content.MissingFiles).
			Int("short", content.ShortFiles).
			Str("filled", utils.Bytes(content.FilledBytes())).
			Msg("filled missing data to allow partial piece analysis")
	}

	content.Data = data

	a.log.Info().Str("size", utils.Bytes(int64(len(data)))).Msg("assembled content")

	return content, nil
}

// readSingle reads a plain file as the whole content.
func (a *Assembler) readSingle(path string) (*AssembledContent, error) {
	a.log.Info().Str("file", path).Msg("reading single file")

	data, err := a.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}

	return &AssembledContent{Data: data}, nil
}

// readComponent reads one file of a layout. Directories and unreadable files count as missing.
func (a *Assembler) readComponent(path string) ([]byte, error) {
	fi, err := a.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return a.fs.ReadFile(path)
}

// resolveBase returns root/<name> if the content folder was not given directly.
func (a *Assembler) resolveBase(root, name string) string {
	if name == "" || filepath.Base(filepath.Clean(root)) == name {
		return root
	}

	// check if the root has the torrent folder as subdirectory
	subFolder := filepath.Join(root, name)
	if fi, err := a.fs.Stat(subFolder); err == nil && fi.IsDir() {
		a.log.Debug().Str("root", subFolder).Msg("using torrent folder below content path")
		return subFolder
	}

	return root
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
