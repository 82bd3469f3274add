// Package config holds the top-level Config assembled by cmd/motiond from
// flags and environment variables, following the teacher's Config+Validate
// shape (indexer/pkg/indexer/config.go).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// ChunkSinkBackend selects the chunker.BlobSink implementation.
type ChunkSinkBackend string

const (
	SinkS3    ChunkSinkBackend = "s3"
	SinkLocal ChunkSinkBackend = "local-spill"
)

// NameRule maps a device-name substring to a joint/position pair, applied
// before the legacy exact-match table (spec §4.6).
type NameRule struct {
	Contains string
	Joint    string
	Position string
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	ListenAddr  string // binary wire protocol server
	AdminAddr   string // chi admin HTTP surface
	MetricsAddr string // promhttp, empty disables

	TargetHz int // one of 100, 200, 400

	ChunkSink       ChunkSinkBackend
	S3Bucket        string
	S3Region        string
	S3EndpointURL   string // override, for local S3-compatible testing
	SpillDir        string
	RegistryStatePath string

	SlackWebhookURL string

	NameRules []NameRule

	HeartbeatInterval   time.Duration
	CommandTimeout      time.Duration
	ScanTimeout         time.Duration
	ScanCooldown        time.Duration
	MaxChunkUploadRetries int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:7410"
	}
	if c.AdminAddr == "" {
		c.AdminAddr = "0.0.0.0:7411"
	}
	switch c.TargetHz {
	case 0:
		c.TargetHz = 100
	case 100, 200, 400:
	default:
		return fmt.Errorf("target_hz must be one of 100, 200, 400, got %d", c.TargetHz)
	}
	if c.ChunkSink == "" {
		c.ChunkSink = SinkLocal
	}
	if c.ChunkSink == SinkS3 && c.S3Bucket == "" {
		return errors.New("s3 bucket is required when chunk sink is s3")
	}
	if c.SpillDir == "" {
		c.SpillDir = "./motioncore-spill"
	}
	if c.RegistryStatePath == "" {
		c.RegistryStatePath = "./motioncore-registry.json"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 5 * time.Second
	}
	if c.ScanCooldown <= 0 {
		c.ScanCooldown = 3 * time.Second
	}
	if c.MaxChunkUploadRetries <= 0 {
		c.MaxChunkUploadRetries = 5
	}
	return nil
}

// ChunkSizeSamples returns the per-chunk sample count for the configured
// target rate, per spec §4.8.
func (c *Config) ChunkSizeSamples() int {
	switch {
	case c.TargetHz <= 100:
		return 6000
	case c.TargetHz == 200:
		return 12000
	default:
		return 24000
	}
}
