// Package recorder implements the chunked recorder: a background task that
// drains the controller's ring buffer into a directory of CSV chunk files
// plus a JSON manifest, rotating chunks on a wall-clock interval with
// per-chunk SHA-256 hashes and atomic temp-then-rename publication.
package recorder

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Matthue7/q-sensor-engine/internal/logging"
	"github.com/Matthue7/q-sensor-engine/internal/model"
	"github.com/Matthue7/q-sensor-engine/internal/ringbuffer"
)

var csvHeader = []string{"timestamp", "sensor_id", "mode", "value", "TempC", "Vin"}

const manifestName = "manifest.json"

// DefaultPollInterval is how often the drain loop checks the ring buffer
// when StartOpts.PollIntervalS is zero.
const DefaultPollInterval = 200 * time.Millisecond

// StartOpts configures a recording session.
type StartOpts struct {
	SessionID     string // generated with uuid.NewString() if empty
	Mission       string
	RateHz        float64 // advisory, stored in the manifest
	SchemaVersion string
	RollIntervalS float64 // chunk lifetime before rotation; default 60s
	PollIntervalS float64 // drain loop cadence; default 0.2s
}

// Recorder is the chunked recorder. A zero Recorder is not usable; construct
// one with New.
type Recorder struct {
	logger logging.Logger

	mu         sync.Mutex
	buf        *ringbuffer.RingBuffer
	sessionDir string
	roll       time.Duration
	poll       time.Duration

	lastSeenTS time.Time
	running    bool
	failed     bool
	stop       chan struct{}
	done       chan struct{}

	nextChunkIndex int
	chunkFile      *os.File
	chunkWriter    *csv.Writer
	chunkTmpPath   string
	chunkIndex     int
	chunkRows      int
	chunkStart     time.Time
	chunkEnd       time.Time

	totalRows  int
	totalBytes int64

	session model.SessionDescriptor
}

// New constructs an idle Recorder. logger may be nil, in which case
// diagnostics are discarded.
func New(logger logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.NullLogger{}
	}
	return &Recorder{logger: logger}
}

// Start requires the controller to be in an acquisition state (the caller
// passes its current ControllerState so the recorder can enforce this
// without importing the controller package). It creates sessionRoot/<id>,
// writes an initial manifest, and starts the drain loop.
func (r *Recorder) Start(buf *ringbuffer.RingBuffer, controllerState model.ControllerState, sessionRoot string, opts StartOpts) (model.SessionDescriptor, error) {
	if controllerState != model.AcqFreerun && controllerState != model.AcqPolled {
		return model.SessionDescriptor{}, &model.InvalidStateError{Current: controllerState, Attempted: "recorder.start"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return model.SessionDescriptor{}, fmt.Errorf("recorder already running")
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	roll := opts.RollIntervalS
	if roll <= 0 {
		roll = 60
	}
	poll := opts.PollIntervalS
	if poll <= 0 {
		poll = DefaultPollInterval.Seconds()
	}

	sessionDir := filepath.Join(sessionRoot, sessionID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return model.SessionDescriptor{}, &model.StorageIoError{Op: "mkdir", Err: err}
	}

	r.buf = buf
	r.sessionDir = sessionDir
	r.roll = time.Duration(roll * float64(time.Second))
	r.poll = time.Duration(poll * float64(time.Second))
	r.lastSeenTS = time.Time{}
	r.failed = false
	r.nextChunkIndex = 0
	r.totalRows = 0
	r.totalBytes = 0
	r.session = model.SessionDescriptor{
		SessionID:     sessionID,
		Mission:       opts.Mission,
		SchemaVersion: opts.SchemaVersion,
		RateHz:        opts.RateHz,
		StartedAt:     time.Now().UTC(),
		RollIntervalS: roll,
		Chunks:        nil,
	}

	if err := r.writeManifestLocked(); err != nil {
		return model.SessionDescriptor{}, err
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true
	go r.drainLoop(r.stop, r.done)

	return r.session, nil
}

// Stop signals the drain loop, joins it, drains any rows still in the ring
// buffer, finalizes any open chunk, and writes the final manifest with
// stopped_at set.
func (r *Recorder) Stop() (model.SessionDescriptor, error) {
	r.mu.Lock()
	if !r.running {
		session := r.session
		r.mu.Unlock()
		return session, nil
	}
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		r.logger.Errorf("recorder drain loop did not stop in time")
	}

	// Drain whatever arrived since the loop's last tick so no buffered row
	// is left out of the final chunk.
	r.drainOnce()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false

	if r.chunkFile != nil {
		if err := r.finalizeChunkLocked(); err != nil {
			r.logger.Errorf("finalize final chunk: %v", err)
		}
	}
	stopped := time.Now().UTC()
	r.session.StoppedAt = &stopped
	if err := r.writeManifestLocked(); err != nil {
		r.logger.Errorf("write final manifest: %v", err)
	}
	return r.session, nil
}

// Status reports the recorder's current activity.
func (r *Recorder) Status() model.RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	age := 0.0
	if r.running && !r.chunkStart.IsZero() {
		age = time.Since(r.chunkStart).Seconds()
	}
	return model.RecorderStatus{
		Running:          r.running,
		Rows:             r.totalRows,
		Bytes:            r.totalBytes,
		Chunks:           len(r.session.Chunks),
		CurrentChunkAgeS: age,
	}
}

// Snapshots returns the finalized chunks recorded so far.
func (r *Recorder) Snapshots() []model.ChunkRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ChunkRecord, len(r.session.Chunks))
	copy(out, r.session.Chunks)
	return out
}

func (r *Recorder) drainLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.drainOnce()
		}
	}
}

func (r *Recorder) drainOnce() {
	snap := r.buf.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make([]model.Reading, 0, len(snap))
	maxTS := r.lastSeenTS
	for _, rd := range snap {
		if rd.Timestamp.After(r.lastSeenTS) {
			fresh = append(fresh, rd)
			if rd.Timestamp.After(maxTS) {
				maxTS = rd.Timestamp
			}
		}
	}
	if len(fresh) == 0 {
		return
	}
	r.lastSeenTS = maxTS

	if r.chunkFile == nil {
		if err := r.openChunkLocked(); err != nil {
			r.failed = true
			r.logger.Errorf("open chunk: %v", err)
			return
		}
	}

	for _, rd := range fresh {
		if err := r.chunkWriter.Write(rowFor(rd)); err != nil {
			r.failed = true
			r.logger.Errorf("write row: %v", err)
			return
		}
		r.chunkRows++
		r.totalRows++
		if r.chunkStart.IsZero() || rd.Timestamp.Before(r.chunkStart) {
			r.chunkStart = rd.Timestamp
		}
		if rd.Timestamp.After(r.chunkEnd) {
			r.chunkEnd = rd.Timestamp
		}
	}
	r.chunkWriter.Flush()
	if err := r.chunkWriter.Error(); err != nil {
		r.failed = true
		r.logger.Errorf("flush chunk: %v", err)
		return
	}

	if time.Since(r.chunkStart) > r.roll {
		if err := r.finalizeChunkLocked(); err != nil {
			r.failed = true
			r.logger.Errorf("finalize chunk: %v", err)
		}
	}
}

func rowFor(rd model.Reading) []string {
	return []string{
		rd.Timestamp.Format(time.RFC3339Nano),
		rd.SensorID,
		string(rd.Mode),
		strconv.FormatFloat(rd.Value, 'f', -1, 64),
		optionalFloat(rd.TempC),
		optionalFloat(rd.Vin),
	}
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// openChunkLocked creates a new chunk_NNNNN.csv.tmp file and writes its
// header. Caller holds mu.
func (r *Recorder) openChunkLocked() error {
	tmpName := fmt.Sprintf("chunk_%05d.csv.tmp", r.nextChunkIndex)
	path := filepath.Join(r.sessionDir, tmpName)

	f, err := os.Create(path)
	if err != nil {
		return &model.StorageIoError{Op: "create_chunk", Err: err}
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return &model.StorageIoError{Op: "write_header", Err: err}
	}
	w.Flush()

	r.chunkFile = f
	r.chunkWriter = w
	r.chunkTmpPath = path
	r.chunkIndex = r.nextChunkIndex
	r.chunkRows = 0
	r.chunkStart = time.Time{}
	r.chunkEnd = time.Time{}
	r.nextChunkIndex++
	return nil
}

// finalizeChunkLocked implements the clear-before-close rotation: it snapshots
// the current chunk's state into locals, nulls the recorder's "current
// chunk" fields immediately, and only then flushes, fsyncs, hashes, and
// renames. This eliminates the window in which a concurrent drainOnce could
// observe a non-null but already-closed file handle. Caller holds mu.
func (r *Recorder) finalizeChunkLocked() error {
	file, tmpPath := r.chunkFile, r.chunkTmpPath
	index, rows := r.chunkIndex, r.chunkRows
	startTS, endTS := r.chunkStart, r.chunkEnd

	r.chunkFile = nil
	r.chunkWriter = nil
	r.chunkTmpPath = ""

	if err := file.Sync(); err != nil {
		file.Close()
		return &model.StorageIoError{Op: "fsync_chunk", Err: err}
	}
	if err := file.Close(); err != nil {
		return &model.StorageIoError{Op: "close_chunk", Err: err}
	}

	hash, byteSize, err := hashFile(tmpPath)
	if err != nil {
		return err
	}

	finalName := fmt.Sprintf("chunk_%05d.csv", index)
	finalPath := filepath.Join(r.sessionDir, finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &model.StorageIoError{Op: "rename_chunk", Err: err}
	}

	record := model.ChunkRecord{
		Index:       index,
		Name:        finalName,
		ByteSize:    byteSize,
		RowCount:    rows,
		SHA256Hex:   hash,
		StartTS:     startTS,
		EndTS:       endTS,
		FinalizedAt: time.Now().UTC(),
	}
	r.session.Chunks = append(r.session.Chunks, record)
	r.totalBytes += byteSize

	return r.writeManifestLocked()
}

func hashFile(path string) (hexDigest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, &model.StorageIoError{Op: "open_for_hash", Err: err}
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, &model.StorageIoError{Op: "hash_chunk", Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// writeManifestLocked writes the manifest via write-temp-then-rename,
// fsyncing the temp file before rename. Caller holds mu.
func (r *Recorder) writeManifestLocked() error {
	data, err := json.MarshalIndent(r.session, "", "  ")
	if err != nil {
		return &model.StorageIoError{Op: "marshal_manifest", Err: err}
	}

	tmpPath := filepath.Join(r.sessionDir, manifestName+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return &model.StorageIoError{Op: "create_manifest", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &model.StorageIoError{Op: "write_manifest", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &model.StorageIoError{Op: "fsync_manifest", Err: err}
	}
	if err := f.Close(); err != nil {
		return &model.StorageIoError{Op: "close_manifest", Err: err}
	}

	finalPath := filepath.Join(r.sessionDir, manifestName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &model.StorageIoError{Op: "rename_manifest", Err: err}
	}
	return nil
}
