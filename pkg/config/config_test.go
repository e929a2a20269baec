package config

import (
	"os"
	"testing"

	"github.com/bsv-streaming/micropay/internal/testutil"
)

func TestLoadAppliesDefaultsWithNoFiles(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	cfg, err := NewLoader(sb.Root).Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	if cfg.Channel != want.Channel {
		t.Fatalf("expected default channel config, got %+v", cfg.Channel)
	}
	if cfg.Dispatcher.MaxQueueSize != want.Dispatcher.MaxQueueSize {
		t.Fatalf("expected default dispatcher config, got %+v", cfg.Dispatcher)
	}
}

func TestLoadMergesBaseAndEnvOverlay(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	base := "channel:\n  standard_rate: 17\n  max_payment_amount: 1000000\n"
	overlay := "channel:\n  standard_rate: 25\n"
	if err := sb.WriteFile("default.yaml", []byte(base), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := sb.WriteFile("staging.yaml", []byte(overlay), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := NewLoader(sb.Root).Load("staging")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channel.StandardRate != 25 {
		t.Fatalf("expected overlay to win, got standard_rate=%d", cfg.Channel.StandardRate)
	}
	if cfg.Channel.MaxPaymentAmount != 1_000_000 {
		t.Fatalf("expected base value to survive the merge, got max_payment_amount=%d", cfg.Channel.MaxPaymentAmount)
	}
}

func TestLoadEnvironmentVariableOverride(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	os.Setenv("MICROPAY_CHANNEL_STANDARD_RATE", "99")
	defer os.Unsetenv("MICROPAY_CHANNEL_STANDARD_RATE")

	cfg, err := NewLoader(sb.Root).Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channel.StandardRate != 99 {
		t.Fatalf("expected env override to win, got %d", cfg.Channel.StandardRate)
	}
}

func TestLoadFromEnvUsesMicropayEnv(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	if err := sb.WriteFile("production.yaml", []byte("channel:\n  standard_rate: 7\n"), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	os.Setenv("MICROPAY_ENV", "production")
	defer os.Unsetenv("MICROPAY_ENV")

	cfg, err := LoadFromEnv(sb.Root)
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.Channel.StandardRate != 7 {
		t.Fatalf("expected production overlay, got standard_rate=%d", cfg.Channel.StandardRate)
	}
}

func TestMSConvertsMillisecondsToDuration(t *testing.T) {
	if got := MS(1500); got.Milliseconds() != 1500 {
		t.Fatalf("expected 1500ms, got %v", got)
	}
}
