package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("default config must validate, got: %v", err)
	}
}

func TestAT2ThresholdChainAccepted(t *testing.T) {
	cases := []AT2Configuration{
		{6, 6, 6, 4, 5, 6, SampleNormal, 60 * time.Second},
		{10, 10, 10, 6, 8, 9, SampleNormal, 60 * time.Second},
		{7, 7, 7, 5, 6, 7, SampleRandom, 60 * time.Second},
	}
	for _, c := range cases {
		if errs := c.Validate(); len(errs) != 0 {
			t.Errorf("config %+v must be valid, got: %v", c, errs)
		}
	}
}

func TestAT2ThresholdsNotIncreasing(t *testing.T) {
	c := AT2Configuration{6, 6, 6, 5, 5, 6, SampleNormal, 60 * time.Second}
	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation failure for non-increasing thresholds")
	}
}

func TestAT2ReadyThresholdTooLow(t *testing.T) {
	// ceil(6/2)+1 = 4; ready_threshold 3 must be rejected.
	c := AT2Configuration{6, 6, 6, 3, 5, 6, SampleNormal, 60 * time.Second}
	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation failure for low ready threshold")
	}
}

func TestAT2DeliveryThresholdTooLow(t *testing.T) {
	// ceil(10*0.85) = 9; delivery_threshold 8 must be rejected. The chain
	// forces feedback_threshold <= 7, itself under ceil(10*0.75) = 8, so the
	// check looks for the delivery violation by name.
	c := AT2Configuration{10, 10, 10, 6, 7, 8, SampleNormal, 60 * time.Second}
	errs := c.Validate()
	found := false
	for _, e := range errs {
		if strings.Contains(e, "delivery_threshold") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected validation failure for low delivery threshold, got: %v", errs)
	}
}

func TestAT2UnknownSampleAlgorithm(t *testing.T) {
	c := AT2Configuration{6, 6, 6, 4, 5, 6, "gaussian", 60 * time.Second}
	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation failure for unknown sample algorithm")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
schema_version: "1"
node:
  router_bind: tcp://127.0.0.1:25001
  publisher_bind: tcp://127.0.0.1:26001
  bootstrap_routers:
    - tcp://127.0.0.1:25002
at2:
  echo_sample_size: 10
  ready_sample_size: 10
  delivery_sample_size: 10
  ready_threshold: 6
  feedback_threshold: 8
  delivery_threshold: 9
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.RouterBind != "tcp://127.0.0.1:25001" {
		t.Errorf("router_bind not applied: %s", cfg.Node.RouterBind)
	}
	if cfg.AT2.DeliveryThreshold != 9 {
		t.Errorf("delivery_threshold not applied: %d", cfg.AT2.DeliveryThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Congestion.InitialLatency != 5*time.Second {
		t.Errorf("initial_latency default lost: %s", cfg.Congestion.InitialLatency)
	}
	if cfg.AT2.SampleAlgorithm != SampleNormal {
		t.Errorf("sample_algorithm default lost: %s", cfg.AT2.SampleAlgorithm)
	}
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
schema_version: "1"
at2:
  echo_sample_size: 6
  ready_sample_size: 6
  delivery_sample_size: 6
  ready_threshold: 6
  feedback_threshold: 5
  delivery_threshold: 4
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject inverted thresholds")
	} else if !strings.Contains(err.Error(), "strictly increasing") {
		t.Errorf("unexpected error: %v", err)
	}
}
