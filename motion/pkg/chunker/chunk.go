package chunker

// CompressionVersion identifies the codec applied to PerJointCompressed
// blobs (spec §4.2, §4.8).
const CompressionVersion = "quant-delta-gzip-v1"

// Record is the on-disk/on-wire persistence schema for one recording chunk
// (spec §6 "Chunk persistence schema"). Marshaled as JSON with the
// compressed and sparse-index payloads carried as base64 byte strings.
type Record struct {
	SessionID   string `json:"session_id"`
	ChunkIndex  int    `json:"chunk_index"`
	StartMs     int64  `json:"start_ms"`
	EndMs       int64  `json:"end_ms"`
	SampleCount int    `json:"sample_count"`

	PerJointCompressed   map[string][]byte `json:"per_joint_compressed"`
	PerJointInterpolated map[string][]byte `json:"per_joint_interpolated"`
	PerJointMissing      map[string][]byte `json:"per_joint_missing"`

	CompressionVersion string `json:"compression_version"`
}
