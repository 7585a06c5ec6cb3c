package config_test

import (
	"testing"
	"time"

	"taskboard/internal/config"
)

func TestDefaultsValidate(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if _, err := config.FromYAML([]byte(config.GenerateDefault())); err != nil {
		t.Fatalf("generated template must parse: %v", err)
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
lock:
  default_timeout: 10m
  min_timeout: 1s
  max_timeout: 1h
sweep:
  interval: 5s
server:
  addr: ":9000"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Lock.DefaultTimeout.Std() != 10*time.Minute {
		t.Fatalf("default_timeout = %v", cfg.Lock.DefaultTimeout.Std())
	}
	if cfg.Sweep.Interval.Std() != 5*time.Second {
		t.Fatalf("interval = %v", cfg.Sweep.Interval.Std())
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	// unset fields keep defaults
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base_path = %s", cfg.Server.BasePath)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cases := map[string]string{
		"bad duration":    "lock:\n  default_timeout: soon\n",
		"inverted bounds": "lock:\n  min_timeout: 1h\n  max_timeout: 1m\n",
		"zero sweep":      "sweep:\n  interval: 0s\n",
	}
	for name, yml := range cases {
		if _, err := config.FromYAML([]byte(yml)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestClampTimeout(t *testing.T) {
	cfg := config.Default()
	if got := cfg.ClampTimeout(0); got != 5*time.Minute {
		t.Fatalf("zero -> default, got %v", got)
	}
	if got := cfg.ClampTimeout(time.Second); got != 5*time.Second {
		t.Fatalf("below min, got %v", got)
	}
	if got := cfg.ClampTimeout(100 * time.Hour); got != 2*time.Hour {
		t.Fatalf("above max, got %v", got)
	}
	if got := cfg.ClampTimeout(time.Minute); got != time.Minute {
		t.Fatalf("in range must pass through, got %v", got)
	}
}
