package segstore

import (
	"fmt"
	"os"
	"time"

	"github.com/sharedcode/segstore/encoding"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

// StripeConfig holds the striped engine's geometry and I/O settings.
type StripeConfig struct {
	// NDevices is the number of device-blocks per row.
	NDevices int `json:"n_devices"`
	// NShift rotates the logical chunk to device assignment by NShift devices per stripe.
	NShift int `json:"n_shift"`
	// ChunkSize is the per-device slice of a stripe, in bytes.
	ChunkSize int64 `json:"chunk_size"`
	// MaxBlockSize caps a device-block. A row holds at most MaxBlockSize*NDevices bytes.
	MaxBlockSize int64 `json:"max_block_size"`
	// ExcessBlockSize is the extra per-device space reserved when a write grows the segment.
	ExcessBlockSize int64 `json:"excess_block_size"`
	// Query is the placement policy every device-block must satisfy.
	Query Query `json:"query,omitempty"`
	// Timeout bounds each block-store sub-operation.
	Timeout time.Duration `json:"timeout"`
	// Concurrency caps in-flight sub-operations per call.
	Concurrency int `json:"concurrency"`
	// Duration is the allocation lease asked of depots.
	Duration time.Duration `json:"duration"`
}

// DefaultStripeConfig returns the default geometry: one device, 16KiB chunks, 10MiB blocks.
func DefaultStripeConfig() StripeConfig {
	return StripeConfig{
		NDevices:        1,
		NShift:          1,
		ChunkSize:       16 * KiB,
		MaxBlockSize:    10 * MiB,
		ExcessBlockSize: 1 * MiB,
		Timeout:         2 * time.Minute,
		Concurrency:     DefaultConcurrency,
		Duration:        365 * 24 * time.Hour,
	}
}

// StripeSize is the bytes covered by one chunk on every device.
func (c StripeConfig) StripeSize() int64 {
	return int64(c.NDevices) * c.ChunkSize
}

// MaxRowSize is the largest row the geometry allows.
func (c StripeConfig) MaxRowSize() int64 {
	return int64(c.NDevices) * c.MaxBlockSize
}

// Validate checks the geometry is usable.
func (c StripeConfig) Validate() error {
	if c.NDevices < 1 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("n_devices must be at least 1, got %d", c.NDevices)}
	}
	if c.NShift < 0 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("n_shift can't be negative, got %d", c.NShift)}
	}
	if c.ChunkSize < 1 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)}
	}
	if c.MaxBlockSize < c.ChunkSize || c.MaxBlockSize%c.ChunkSize != 0 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("max_block_size %d must be a positive multiple of chunk_size %d", c.MaxBlockSize, c.ChunkSize)}
	}
	if c.ExcessBlockSize < 0 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("excess_block_size can't be negative, got %d", c.ExcessBlockSize)}
	}
	return nil
}

// TagMode selects how the erasure layer tags chunks.
type TagMode string

const (
	// TagNonce writes one random value shared by all chunks of a stripe.
	TagNonce TagMode = "nonce"
	// TagChecksum writes a checksum of all chunk payloads of a stripe.
	TagChecksum TagMode = "checksum"
)

// ErasureConfig holds the erasure-coded engine's settings.
type ErasureConfig struct {
	// Method names the erasure plan, e.g. "reed_sol_van" or "cauchy_good".
	Method string `json:"method"`
	// NData is the number of payload chunks per stripe.
	NData int `json:"n_data_devs"`
	// NParity is the number of parity chunks per stripe.
	NParity int `json:"n_parity_devs"`
	// ChunkSize is the payload bytes per chunk, excluding the tag.
	ChunkSize int64 `json:"chunk_size"`
	// W is the coding word width in bits, -1 for the method default.
	W int `json:"w"`
	// MaxParity caps the bytes of stripes processed per batch.
	MaxParity int64 `json:"max_parity"`
	// TagMode selects nonce or checksum tags.
	TagMode TagMode `json:"tag_mode"`
	// Paranoid verifies every full-quorum read by decoding.
	Paranoid bool `json:"paranoid,omitempty"`
	// BruteForceLimit lowers the largest failure subset searched. 0 keeps the tag mode's default.
	BruteForceLimit int `json:"brute_force_limit,omitempty"`
	// Concurrency caps in-flight stripe batches per call.
	Concurrency int `json:"concurrency,omitempty"`
}

// DefaultErasureConfig returns 6+3 Reed-Solomon over 16KiB chunks with nonce tags.
func DefaultErasureConfig() ErasureConfig {
	return ErasureConfig{
		Method:      "reed_sol_van",
		NData:       6,
		NParity:     3,
		ChunkSize:   16 * KiB,
		W:           -1,
		MaxParity:   16 * MiB,
		TagMode:     TagNonce,
		Concurrency: DefaultConcurrency,
	}
}

// DataSize is the payload bytes per stripe.
func (c ErasureConfig) DataSize() int64 {
	return int64(c.NData) * c.ChunkSize
}

// Validate checks the erasure settings.
func (c ErasureConfig) Validate() error {
	if c.NData < 1 || c.NParity < 1 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("need at least 1 data and 1 parity device, got %d+%d", c.NData, c.NParity)}
	}
	if c.NData+c.NParity > 256 && c.W != 16 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("sum of data and parity devices cannot exceed 256")}
	}
	if c.ChunkSize < 1 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)}
	}
	if c.TagMode != TagNonce && c.TagMode != TagChecksum {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("unknown tag mode %q", c.TagMode)}
	}
	if c.BruteForceLimit < 0 {
		return Error{Code: InvalidGeometry, Err: fmt.Errorf("brute_force_limit can't be negative")}
	}
	return nil
}

// Config is the file form of the engine settings.
type Config struct {
	Stripe  StripeConfig   `json:"stripe"`
	Erasure *ErasureConfig `json:"erasure,omitempty"`
	// LogLevel overrides SEGSTORE_LOG_LEVEL: DEBUG, INFO, WARN or ERROR.
	LogLevel string `json:"log_level,omitempty"`
}

// LoadConfig reads a JSON config file. Missing fields keep their defaults.
// It also sets up logging with ConfigureLogging and applies LogLevel.
func LoadConfig(path string) (Config, error) {
	ba, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c := Config{Stripe: DefaultStripeConfig()}
	if err := encoding.DefaultMarshaler.Unmarshal(ba, &c); err != nil {
		return Config{}, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	if c.Erasure != nil {
		e := DefaultErasureConfig()
		if err := encoding.DefaultMarshaler.Unmarshal(ba, &struct {
			Erasure *ErasureConfig `json:"erasure"`
		}{&e}); err != nil {
			return Config{}, fmt.Errorf("error parsing config %s: %w", path, err)
		}
		c.Erasure = &e
	}
	ConfigureLogging()
	if c.LogLevel != "" {
		level, ok := parseLogLevel(c.LogLevel)
		if !ok {
			return Config{}, fmt.Errorf("error parsing config %s: unknown log_level %q", path, c.LogLevel)
		}
		SetLogLevel(level)
	}
	return c, nil
}
