package segstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segstore.json")
	ba := []byte(`{"stripe":{"n_devices":4,"chunk_size":65536,"max_block_size":262144},"erasure":{"n_data_devs":4,"n_parity_devs":2,"tag_mode":"checksum"}}`)
	if err := os.WriteFile(path, ba, 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed, details: %v", err)
	}
	if c.Stripe.NDevices != 4 || c.Stripe.ChunkSize != 64*KiB || c.Stripe.MaxBlockSize != 256*KiB {
		t.Errorf("stripe fields not read, got %+v", c.Stripe)
	}
	if c.Stripe.NShift != 1 || c.Stripe.ExcessBlockSize != MiB || c.Stripe.Concurrency != DefaultConcurrency {
		t.Errorf("stripe defaults lost, got %+v", c.Stripe)
	}
	if err := c.Stripe.Validate(); err != nil {
		t.Errorf("loaded stripe config should validate, got %v", err)
	}
	if c.Erasure == nil {
		t.Fatalf("erasure section not read")
	}
	e := *c.Erasure
	if e.NData != 4 || e.NParity != 2 || e.TagMode != TagChecksum {
		t.Errorf("erasure fields not read, got %+v", e)
	}
	if e.Method != "reed_sol_van" || e.ChunkSize != 16*KiB || e.W != -1 || e.MaxParity != 16*MiB {
		t.Errorf("erasure defaults lost, got %+v", e)
	}
}

func TestLoadConfig_NoErasureSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segstore.json")
	if err := os.WriteFile(path, []byte(`{"stripe":{"n_devices":2}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed, details: %v", err)
	}
	if c.Erasure != nil {
		t.Errorf("expected no erasure config, got %+v", c.Erasure)
	}
	if c.Stripe.NDevices != 2 || c.Stripe.ChunkSize != 16*KiB {
		t.Errorf("got %+v", c.Stripe)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("expected an error for a missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte(`{"stripe":`), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	c := DefaultStripeConfig()
	c.MaxBlockSize = c.ChunkSize + 1
	if !HasCode(c.Validate(), InvalidGeometry) {
		t.Errorf("a max block size that isn't a chunk multiple should be rejected")
	}
	c = DefaultStripeConfig()
	c.NDevices = 0
	if !HasCode(c.Validate(), InvalidGeometry) {
		t.Errorf("zero devices should be rejected")
	}

	e := DefaultErasureConfig()
	if err := e.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
	e.TagMode = "crc"
	if !HasCode(e.Validate(), InvalidGeometry) {
		t.Errorf("unknown tag mode should be rejected")
	}
	e = DefaultErasureConfig()
	e.NData, e.NParity = 250, 10
	if e.Validate() == nil {
		t.Errorf("more than 256 devices needs w=16")
	}
	e.W = 16
	if err := e.Validate(); err != nil {
		t.Errorf("w=16 allows wide stripes, got %v", err)
	}
}

func TestLoadConfigSetsLogLevel(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	t.Setenv("SEGSTORE_LOG_LEVEL", "INFO")
	path := filepath.Join(t.TempDir(), "segstore.json")
	os.WriteFile(path, []byte(`{"stripe":{"n_devices":2},"log_level":"error"}`), 0o644)
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig failed, details: %v", err)
	}
	if logLevel.Level() != slog.LevelError {
		t.Errorf("expected ERROR from the config file, got %v", logLevel.Level())
	}
	os.WriteFile(path, []byte(`{"log_level":"loud"}`), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("expected an error for an unknown log level")
	}
}

func TestConfigureLogging(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	t.Setenv("SEGSTORE_LOG_LEVEL", "WARN")
	ConfigureLogging()
	if logLevel.Level() != slog.LevelWarn {
		t.Errorf("expected WARN, got %v", logLevel.Level())
	}
	SetLogLevel(slog.LevelDebug)
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Errorf("SetLogLevel(DEBUG) should enable debug logging")
	}
}
