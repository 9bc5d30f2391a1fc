package btforensics

import (
	"context"
	"crypto/sha1"
	"fmt"
	"hash"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HashMode is a type that defines if pieces are hashed by a worker pool or in a single loop.
type HashMode int

const (
	// HashModeAuto hashes small content serially and everything else in parallel.
	HashModeAuto HashMode = iota
	// HashModeParallel always uses the worker pool.
	HashModeParallel
	// HashModeSerial hashes all pieces in the calling goroutine.
	HashModeSerial
)

// serialThreshold is the content size below which HashModeAuto doesn't start a pool.
const serialThreshold = 1 << 20

// shouldHashParallel determines whether the worker pool should be used for the given content.
func (hm HashMode) shouldHashParallel(totalSize int64, totalPieces int) bool {
	logger := log.Logger.With().Str("module", Module).Logger()
	switch hm {
	case HashModeSerial:
		logger.Debug().Msg("forcing serial hashing")
		return false
	case HashModeParallel:
		logger.Debug().Msg("forcing parallel hashing")
		return true
	case HashModeAuto:
		if totalPieces <= 1 || totalSize < serialThreshold {
			logger.Debug().Msg("small content, hashing serially")
			return false
		}
		logger.Debug().Msg("using worker pool for hashing")
		return true
	default:
		logger.Debug().Msg("defaulting to serial hashing")
		return false
	}
}

// hashPool is a pool of SHA-1 hashers to reduce the overhead of creating new hashers.
var hashPool = sync.Pool{
	New: func() any {
		return sha1.New()
	},
}

// PiecesProcessingTask is used to track the progress of the piece verification.
type PiecesProcessingTask struct {
	// mutex is used to synchronize access to the task's fields.
	mutex           *sync.Mutex
	ctx             context.Context
	done            chan struct{}
	bytesHashed     int64
	totalSize       int64
	totalPieces     int
	piecesProcessed int
	isFinished      bool
	numWorkers      int
	parallel        bool
	content         []byte
	pieceLength     int64
	computedHashes  []Hash
	expectedHashes  []Hash
	error           error
}

// newVerifyTask validates the input and prepares a task. Nothing is hashed yet.
func newVerifyTask(ctx context.Context, content []byte, pieceLength int64, expectedHashes []Hash,
	mode HashMode, hashThreads int) (*PiecesProcessingTask, error) {
	switch {
	case len(content) == 0:
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidArgument)
	case len(expectedHashes) == 0:
		return nil, fmt.Errorf("%w: no piece hashes", ErrInvalidArgument)
	case pieceLength <= 0:
		return nil, fmt.Errorf("%w: piece length must be positive, got %d", ErrInvalidArgument, pieceLength)
	}

	totalSize := int64(len(content))
	totalPieces := pieceCount(totalSize, pieceLength)

	if totalPieces != len(expectedHashes) {
		return nil, fmt.Errorf("%w: number of pieces (%d) must match number of hashes (%d)",
			ErrMismatch, totalPieces, len(expectedHashes))
	}

	task := &PiecesProcessingTask{
		mutex:          &sync.Mutex{},
		ctx:            ctx,
		done:           make(chan struct{}),
		totalSize:      totalSize,
		totalPieces:    totalPieces,
		content:        content,
		pieceLength:    pieceLength,
		computedHashes: make([]Hash, totalPieces),
		expectedHashes: expectedHashes,
		parallel:       mode.shouldHashParallel(totalSize, totalPieces),
		numWorkers:     1,
	}

	if task.parallel {
		task.numWorkers = workerCount(hashThreads, totalPieces)
	}

	return task, nil
}

// pieceCount returns the number of pieces needed for size bytes, the last one may be shorter.
func pieceCount(size, pieceLength int64) int {
	n := size / pieceLength
	if size%pieceLength != 0 {
		n++
	}
	return int(n)
}

// workerCount returns the pool size, never more workers than pieces.
func workerCount(hashThreads, totalPieces int) int {
	numWorkers := runtime.GOMAXPROCS(0)

	if hashThreads > 0 {
		// Prioritize user input
		numWorkers = hashThreads
	} else if numWorkers >= 64 {
		// limit to 8 workers on cpus with lots of cores could be a shared seedbox
		numWorkers = 8
	}

	return max(1, min(numWorkers, totalPieces))
}

// GetProgress returns the progress of the piece verification in percent.
func (t *PiecesProcessingTask) GetProgress() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.totalPieces == 0 {
		return 0
	}

	return t.piecesProcessed * 100 / t.totalPieces
}

// GetError retrieves the error associated with the task in a thread-safe manner.
func (t *PiecesProcessingTask) GetError() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.error
}

// GetBytesHashed returns the number of bytes hashed so far.
func (t *PiecesProcessingTask) GetBytesHashed() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.bytesHashed
}

// GetNumWorkers returns the number of total workers.
func (t *PiecesProcessingTask) GetNumWorkers() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.numWorkers
}

// IsParallel reports whether the worker pool is used.
func (t *PiecesProcessingTask) IsParallel() bool {
	return t.parallel
}

// IsCanceled checks if the task has been canceled by evaluating the context's Done channel.
func (t *PiecesProcessingTask) IsCanceled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// IsFinished checks if the verification has been completed. It is thread-safe and uses a mutex for locking.
func (t *PiecesProcessingTask) IsFinished() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.isFinished
}

// Wait blocks until the task is finished.
func (t *PiecesProcessingTask) Wait() {
	<-t.done
}

// Report returns the comparison of all pieces once the task finished without error.
func (t *PiecesProcessingTask) Report() (*PieceReport, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.isFinished {
		return nil, ErrTaskStillRunning
	}
	if t.error != nil {
		return nil, t.error
	}
	report := newPieceReport(t.computedHashes, t.expectedHashes)
	report.PieceLength = t.pieceLength
	report.TotalLength = t.totalSize
	return report, nil
}

// updateResult stores the hash of piece index in its slot and updates the counters.
func (t *PiecesProcessingTask) updateResult(index int, h Hash, hashed int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.computedHashes[index] = h
	t.piecesProcessed++
	t.bytesHashed += hashed
}

// setFinished marks the task as finished by setting the isFinished flag to true in a thread-safe manner.
func (t *PiecesProcessingTask) setFinished() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.isFinished {
		t.isFinished = true
		close(t.done)
	}
}

// setError sets the error field in a thread-safe manner using a mutex lock.
func (t *PiecesProcessingTask) setError(err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.error = err
}

// run hashes all pieces with the path chosen for this task.
func (t *PiecesProcessingTask) run() {
	// set as finished whether we have an error or not
	defer t.setFinished()

	var err error
	if t.parallel {
		err = t.hashParallel()
	} else {
		err = t.hashPieceRange(t.ctx, 0, t.totalPieces)
	}

	if err != nil {
		t.setError(err)
	}
}

// hashParallel splits the pieces into one contiguous range per worker.
func (t *PiecesProcessingTask) hashParallel() error {
	var (
		piecesPerWorker = (t.totalPieces + t.numWorkers - 1) / t.numWorkers
		g, ctx          = errgroup.WithContext(t.ctx)
	)

	for i := range t.numWorkers {
		start := i * piecesPerWorker
		end := min(start+piecesPerWorker, t.totalPieces)
		if start >= end {
			break
		}

		g.Go(func() error {
			return t.hashPieceRange(ctx, start, end)
		})
	}

	return g.Wait()
}

// hashPieceRange hashes the pieces [startPiece, endPiece). The content is only read.
func (t *PiecesProcessingTask) hashPieceRange(ctx context.Context, startPiece, endPiece int) error {
	hasher := hashPool.Get().(hash.Hash)
	defer hashPool.Put(hasher)

	for pieceIndex := startPiece; pieceIndex < endPiece; pieceIndex++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := t.piece(pieceIndex)

		hasher.Reset()
		hasher.Write(data)

		var h Hash
		hasher.Sum(h[:0])

		t.updateResult(pieceIndex, h, int64(len(data)))
	}

	return nil
}

// piece returns the bytes of piece index; the last piece may be shorter.
func (t *PiecesProcessingTask) piece(index int) []byte {
	start := int64(index) * t.pieceLength
	end := min(start+t.pieceLength, t.totalSize)
	return t.content[start:end]
}

// StartPieceVerification validates the input and starts hashing in the background.
//
// Validation errors (ErrInvalidArgument, ErrMismatch) are returned immediately and no hashing
// is started. Otherwise the caller polls IsFinished (or calls Wait) and fetches the result with
// Report:
//
//	task, err := StartPieceVerification(ctx, data, meta.PieceLength, meta.PieceHashes, HashModeAuto, 0)
//	if err != nil {
//	    return err
//	}
//	for !task.IsFinished() {
//	    fmt.Printf("Progress: %d%%\n", task.GetProgress())
//	    time.Sleep(100 * time.Millisecond)
//	}
//	report, err := task.Report()
func StartPieceVerification(ctx context.Context, content []byte, pieceLength int64, expectedHashes []Hash,
	mode HashMode, hashThreads int) (*PiecesProcessingTask, error) {
	task, err := newVerifyTask(ctx, content, pieceLength, expectedHashes, mode, hashThreads)
	if err != nil {
		return nil, err
	}

	go task.run()

	return task, nil
}

// VerifyPieces cuts content into pieces of pieceLength, hashes them and compares them in order
// against expectedHashes. Serial and parallel mode produce identical reports.
func VerifyPieces(content []byte, pieceLength int64, expectedHashes []Hash, mode HashMode, hashThreads int) (*PieceReport, error) {
	task, err := newVerifyTask(context.Background(), content, pieceLength, expectedHashes, mode, hashThreads)
	if err != nil {
		return nil, err
	}

	task.run()

	return task.Report()
}
