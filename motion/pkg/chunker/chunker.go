// Package chunker buffers the recording stream into fixed-size chunks and
// persists each as a compressed blob, falling back to local spill when the
// primary sink is unreachable (spec §4.8).
package chunker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tropx/motioncore/motion/pkg/apperr"
	"github.com/tropx/motioncore/motion/pkg/codec"
	"github.com/tropx/motioncore/motion/pkg/metrics"
	"github.com/tropx/motioncore/motion/pkg/motionpipeline"
)

// maxConcurrentUploads bounds the number of chunks uploading at once; a
// stalled sink backs up AppendTick itself rather than growing memory
// without limit (spec §5 "never drop; block the producer").
const maxConcurrentUploads = 3

const uploadBaseBackoff = 200 * time.Millisecond

type jointAccum struct {
	components []float64 // flat w,x,y,z per sample
	interpIdx  []uint32
	missingIdx []uint32
	count      int
}

func newJointAccum(capacitySamples int) *jointAccum {
	return &jointAccum{components: make([]float64, 0, capacitySamples*4)}
}

// Config configures a Chunker.
type Config struct {
	Logger *slog.Logger

	Sink  BlobSink // primary persistence target (e.g. S3Sink)
	Spill BlobSink // fallback target once Sink retries are exhausted

	ChunkSizeSamples int      // from config.Config.ChunkSizeSamples()
	MaxRetries       int      // from config.Config.MaxChunkUploadRetries
	Joints           []string // joint names, in the exact order the pipeline ticks them

	// OnError, if set, is called for conditions the caller should surface
	// as an alert (RECORDING_OVERRUN, DATA_CORRUPTION).
	OnError func(error)
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sink == nil {
		return errors.New("primary sink is required")
	}
	if c.Spill == nil {
		return errors.New("spill sink is required")
	}
	if c.ChunkSizeSamples <= 0 {
		return errors.New("chunk size samples must be positive")
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if len(c.Joints) == 0 {
		return errors.New("at least one joint must be configured")
	}
	return nil
}

// chunkSnapshot is a detached copy of one chunk's accumulated state, taken
// under Chunker.mu and then encoded/uploaded without holding the lock.
type chunkSnapshot struct {
	sessionID   string
	chunkIndex  int
	startMs     int64
	endMs       int64
	sampleCount int
	joints      map[string]*jointAccum
}

// Chunker implements motionpipeline.RecordingSink, framing the per-target-tick
// recording stream into fixed-size chunks and persisting each one.
type Chunker struct {
	log        *slog.Logger
	sink       BlobSink
	spill      BlobSink
	chunkSize  int
	maxRetries int
	jointOrder []string
	onError    func(error)

	uploadSem chan struct{}
	uploadWG  sync.WaitGroup

	mu           sync.Mutex
	active       bool
	sessionID    string
	chunkIndex   int
	started      bool
	startMs      int64
	lastTickMs   int64
	ticksInChunk int
	joints       map[string]*jointAccum
}

// New constructs a Chunker from a validated Config.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		log:        cfg.Logger,
		sink:       cfg.Sink,
		spill:      cfg.Spill,
		chunkSize:  cfg.ChunkSizeSamples,
		maxRetries: cfg.MaxRetries,
		jointOrder: cfg.Joints,
		onError:    cfg.OnError,
		uploadSem:  make(chan struct{}, maxConcurrentUploads),
	}, nil
}

// StartSession begins accumulating a new recording session. sessionID must
// be unique; chunk indices restart at 0.
func (c *Chunker) StartSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return apperr.New(apperr.RecordingOverrun, "a chunker session is already active")
	}
	c.active = true
	c.sessionID = sessionID
	c.chunkIndex = 0
	c.started = false
	c.startMs = 0
	c.lastTickMs = 0
	c.ticksInChunk = 0
	c.joints = make(map[string]*jointAccum, len(c.jointOrder))
	return nil
}

// AppendTick implements motionpipeline.RecordingSink.
func (c *Chunker) AppendTick(jointName string, tick motionpipeline.RecordingTick) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}

	acc, ok := c.joints[jointName]
	if !ok {
		acc = newJointAccum(c.chunkSize)
		c.joints[jointName] = acc
	}
	if !c.started {
		c.startMs = tick.TimestampMs
		c.started = true
	}
	c.lastTickMs = tick.TimestampMs

	idx := uint32(acc.count)
	acc.components = append(acc.components, tick.Relative.W, tick.Relative.X, tick.Relative.Y, tick.Relative.Z)
	if tick.Interpolated {
		acc.interpIdx = append(acc.interpIdx, idx)
	}
	if tick.Missing {
		acc.missingIdx = append(acc.missingIdx, idx)
	}
	acc.count++

	var snap *chunkSnapshot
	if jointName == c.jointOrder[len(c.jointOrder)-1] {
		c.ticksInChunk++
		if c.ticksInChunk >= c.chunkSize {
			snap = c.rolloverLocked()
		}
	}
	c.mu.Unlock()

	if snap != nil {
		c.emit(snap)
	}
}

// Flush implements motionpipeline.RecordingSink: it persists any partial
// chunk, ends the session, and waits for in-flight uploads to settle.
func (c *Chunker) Flush() {
	c.mu.Lock()
	var snap *chunkSnapshot
	if c.active && c.ticksInChunk > 0 {
		snap = c.rolloverLocked()
	}
	c.active = false
	c.mu.Unlock()

	if snap != nil {
		c.emit(snap)
	}
	c.uploadWG.Wait()
}

// rolloverLocked detaches the current chunk's state and resets the
// accumulators for the next one. c.mu must be held.
func (c *Chunker) rolloverLocked() *chunkSnapshot {
	snap := &chunkSnapshot{
		sessionID:   c.sessionID,
		chunkIndex:  c.chunkIndex,
		startMs:     c.startMs,
		endMs:       c.lastTickMs,
		sampleCount: c.ticksInChunk,
		joints:      c.joints,
	}
	c.chunkIndex++
	c.joints = make(map[string]*jointAccum, len(c.jointOrder))
	c.started = false
	c.startMs = 0
	c.ticksInChunk = 0
	return snap
}

func (c *Chunker) emit(snap *chunkSnapshot) {
	c.uploadWG.Add(1)
	c.uploadSem <- struct{}{}
	go func() {
		defer c.uploadWG.Done()
		defer func() { <-c.uploadSem }()
		c.persist(snap)
	}()
}

func (c *Chunker) persist(snap *chunkSnapshot) {
	rec := Record{
		SessionID:            snap.sessionID,
		ChunkIndex:           snap.chunkIndex,
		StartMs:              snap.startMs,
		EndMs:                snap.endMs,
		SampleCount:          snap.sampleCount,
		PerJointCompressed:   make(map[string][]byte, len(snap.joints)),
		PerJointInterpolated: make(map[string][]byte, len(snap.joints)),
		PerJointMissing:      make(map[string][]byte, len(snap.joints)),
		CompressionVersion:   CompressionVersion,
	}
	for joint, acc := range snap.joints {
		compressed, err := codec.EncodeQuaternionStream(acc.components)
		if err != nil {
			c.log.Error("chunk encode failed", "session_id", snap.sessionID, "chunk_index", snap.chunkIndex, "joint", joint, "err", err)
			c.reportError(apperr.Wrap(apperr.DataCorruption, "encode joint "+joint, err))
			continue
		}
		rec.PerJointCompressed[joint] = compressed
		if interp, err := codec.EncodeSparseIndices(acc.interpIdx); err == nil {
			rec.PerJointInterpolated[joint] = interp
		}
		if missing, err := codec.EncodeSparseIndices(acc.missingIdx); err == nil {
			rec.PerJointMissing[joint] = missing
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		c.log.Error("chunk marshal failed", "session_id", snap.sessionID, "chunk_index", snap.chunkIndex, "err", err)
		c.reportError(apperr.Wrap(apperr.DataCorruption, "marshal chunk", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.uploadWithRetry(ctx, snap, data); err != nil {
		c.log.Warn("chunk upload exhausted retries, spilling locally",
			"session_id", snap.sessionID, "chunk_index", snap.chunkIndex, "err", err)
		if spillErr := c.spill.Put(ctx, snap.sessionID, snap.chunkIndex, data); spillErr != nil {
			c.log.Error("local spill failed", "session_id", snap.sessionID, "chunk_index", snap.chunkIndex, "err", spillErr)
			metrics.ChunksUploadedTotal.WithLabelValues("spill", "failure").Inc()
			c.reportError(apperr.Wrap(apperr.RecordingOverrun, "primary and spill both failed", spillErr))
			return
		}
		metrics.ChunksUploadedTotal.WithLabelValues("spill", "success").Inc()
		c.reportError(apperr.Wrap(apperr.RecordingOverrun, "primary sink exhausted retries; chunk spilled locally", err))
		return
	}
	metrics.ChunksUploadedTotal.WithLabelValues("primary", "success").Inc()
}

func (c *Chunker) uploadWithRetry(ctx context.Context, snap *chunkSnapshot, data []byte) error {
	backoff, err := retry.NewFibonacci(uploadBaseBackoff)
	if err != nil {
		return fmt.Errorf("chunker: building backoff: %w", err)
	}
	backoff = retry.WithMaxRetries(uint64(c.maxRetries), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.sink.Put(ctx, snap.sessionID, snap.chunkIndex, data); err != nil {
			metrics.ChunkUploadRetriesTotal.Inc()
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (c *Chunker) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
