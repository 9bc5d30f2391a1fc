// Package btforensics verifies content found on disk against the piece hashes of a torrent file
// and decodes peer tables from uTorrent client state files.
package btforensics

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/f4n4t/go-release/pkg/progress"
	"github.com/f4n4t/go-release/pkg/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	Module = "btforensics"
	// DefaultFiller is the byte written in place of missing content.
	DefaultFiller byte = '0'
	// sleepTime is the time to sleep between progress updates.
	sleepTime = time.Millisecond * 5
)

type Service struct {
	showProgress bool
	log          zerolog.Logger
	hashMode     HashMode
	hashThreads  int
	filler       byte
	fs           FileSystem
}

type ServiceBuilder struct {
	service Service
}

// NewServiceBuilder creates a new ServiceBuilder with default values.
func NewServiceBuilder() *ServiceBuilder {
	return &ServiceBuilder{
		Service{
			log:         log.Logger.With().Str("module", Module).Logger(),
			hashMode:    HashModeAuto,
			hashThreads: 0,
			filler:      DefaultFiller,
			fs:          MmapFS{},
		},
	}
}

// WithSetProgress sets the showProgress flag to enable or disable the progress bar.
func (s *ServiceBuilder) WithSetProgress(showProgress bool) *ServiceBuilder {
	s.service.showProgress = showProgress
	return s
}

// WithHashThreads sets the number of threads to use for hashing.
func (s *ServiceBuilder) WithHashThreads(i int) *ServiceBuilder {
	s.service.hashThreads = max(0, i)
	return s
}

// WithHashMode selects the serial or parallel hashing path.
func (s *ServiceBuilder) WithHashMode(mode HashMode) *ServiceBuilder {
	switch mode {
	case HashModeAuto, HashModeParallel, HashModeSerial:
		s.service.hashMode = mode
	default:
		// should never happen when we use the constants
		panic(fmt.Sprintf("invalid hash mode: %d", mode))
	}
	return s
}

// WithFiller sets the byte used to fill missing or short files.
func (s *ServiceBuilder) WithFiller(b byte) *ServiceBuilder {
	s.service.filler = b
	return s
}

// WithFileSystem replaces the file system used to read content.
func (s *ServiceBuilder) WithFileSystem(fs FileSystem) *ServiceBuilder {
	if fs != nil {
		s.service.fs = fs
	}
	return s
}

// WithLogger replaces the module logger.
func (s *ServiceBuilder) WithLogger(logger zerolog.Logger) *ServiceBuilder {
	s.service.log = logger.With().Str("module", Module).Logger()
	return s
}

// Build creates a new Service with the provided configuration.
func (s *ServiceBuilder) Build() *Service {
	return &Service{
		showProgress: s.service.showProgress,
		log:          s.service.log,
		hashMode:     s.service.hashMode,
		hashThreads:  s.service.hashThreads,
		filler:       s.service.filler,
		fs:           s.service.fs,
	}
}

// Info is the part of the info dictionary that survives once the pieces key is cut out.
type Info struct {
	Name        string `bencode:"name"`
	Private     *bool  `bencode:"private,omitempty"`
	PieceLength int64  `bencode:"piece length"`
	Files       Files  `bencode:"files,omitempty"`  // Multi file
	Length      int64  `bencode:"length,omitempty"` // Single file
}

// FileInfo represents a file inside a Torrent.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	// Offset represents the starting position of the file within the concatenated data of all files in a torrent.
	Offset int64 `bencode:"-"`
}

// Files is a helper type to use methods on this type.
type Files []FileInfo

// TotalLength calculates the total size of all files inside Files.
func (files Files) TotalLength() int64 {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	return total
}

// BuildFullPath constructs the full file path by joining the provided root paths with the FileInfo's internal Path slice.
func (fi FileInfo) BuildFullPath(root ...string) string {
	return filepath.Join(append(root, fi.Path...)...)
}

// PieceCount calculates the number of pieces needed for all files inside Files.
func (files Files) PieceCount(pieceLength int64) int {
	return pieceCount(files.TotalLength(), pieceLength)
}

// setOffsets stores the declared start of every file in the concatenated content.
func (files Files) setOffsets() {
	var currentOffset int64
	for i := range files {
		files[i].Offset = currentOffset
		currentOffset += files[i].Length
	}
}

// Extract parses raw torrent bytes and logs what was found.
func (s Service) Extract(raw []byte) (*Metadata, error) {
	meta, err := Extract(raw)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int("pieces", len(meta.PieceHashes)).
		Str("pieceLength", utils.Bytes(meta.PieceLength)).
		Int("files", len(meta.Files)).
		Msg("found piece hashes")

	if expected := meta.TotalLength(); meta.IsDir() && meta.Files.PieceCount(meta.PieceLength) != len(meta.PieceHashes) {
		s.log.Warn().
			Int("declared", meta.Files.PieceCount(meta.PieceLength)).
			Int("hashes", len(meta.PieceHashes)).
			Str("size", utils.Bytes(expected)).
			Msg("file layout and piece table disagree")
	}

	return meta, nil
}

// Assemble builds the candidate content for meta from contentRoot.
func (s Service) Assemble(meta *Metadata, contentRoot string) (*AssembledContent, error) {
	a := NewAssembler(s.fs, s.filler, s.log)
	return a.AssembleFor(meta, contentRoot)
}

// VerifyAgainst extracts the piece table from torrentContent, assembles the data below
// contentRoot and compares every piece. A report is only returned if the whole run succeeded.
func (s Service) VerifyAgainst(torrentContent []byte, contentRoot string) (*PieceReport, error) {
	return s.VerifyAgainstWithContext(context.Background(), torrentContent, contentRoot)
}

// VerifyAgainstWithContext is VerifyAgainst with cancellation of the hashing stage.
func (s Service) VerifyAgainstWithContext(ctx context.Context, torrentContent []byte, contentRoot string) (*PieceReport, error) {
	meta, err := s.Extract(torrentContent)
	if err != nil {
		return nil, err
	}

	content, err := s.Assemble(meta, contentRoot)
	if err != nil {
		return nil, err
	}

	return s.VerifyContent(ctx, meta, content)
}

// VerifyContent hashes already assembled content against meta.
func (s Service) VerifyContent(ctx context.Context, meta *Metadata, content *AssembledContent) (*PieceReport, error) {
	startTime := time.Now()

	s.log.Info().
		Str("size", utils.Bytes(int64(len(content.Data)))).
		Int("pieces", len(meta.PieceHashes)).Msg("verifying pieces...")

	task, err := StartPieceVerification(ctx, content.Data, meta.PieceLength, meta.PieceHashes, s.hashMode, s.hashThreads)
	if err != nil {
		return nil, fmt.Errorf("verify pieces: %w", err)
	}

	bar := progress.NewProgressBar(s.showProgress, int64(len(content.Data)), true)

	for !task.IsFinished() {
		_ = bar.Set64(task.GetBytesHashed())
		time.Sleep(sleepTime)
	}

	if err := task.GetError(); err != nil {
		bar.Cancel()
		return nil, fmt.Errorf("verify pieces: %w", err)
	}

	_ = bar.Finish()

	report, err := task.Report()
	if err != nil {
		return nil, err
	}

	report.MissingFiles = content.MissingFiles
	report.Gaps = content.Gaps

	s.log.Info().
		Int("matched", report.MatchedCount()).
		Int("total", len(report.Rows)).
		Int("workers", task.GetNumWorkers()).
		Str("dur", time.Since(startTime).String()).
		Msg("verification completed")

	return report, nil
}
