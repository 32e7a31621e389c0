package main

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/config"
)

// captureLogOutput calls logConfigWarnings with the given config and returns
// the captured log output as a string.
func captureLogOutput(cfg *config.Config) string {
	var buf bytes.Buffer
	original := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(original)

	logConfigWarnings(cfg)
	return buf.String()
}

func hardenedConfig() *config.Config {
	return &config.Config{
		HookSecret:              "hook-secret",
		DeliverySecret:          "delivery-secret",
		MetricsEnabled:          true,
		QueueMode:               "redis",
		CircuitBreakerThreshold: 5,
		WorkerConcurrency:       4,
	}
}

func TestLogConfigWarnings_HardenedConfigIsSilent(t *testing.T) {
	output := captureLogOutput(hardenedConfig())

	if strings.Contains(output, "WARNING") {
		t.Error("did not expect any warnings, got:", output)
	}
	if strings.Contains(output, "INFO") {
		t.Error("did not expect any INFO messages, got:", output)
	}
}

func TestLogConfigWarnings_MissingHookSecret(t *testing.T) {
	cfg := hardenedConfig()
	cfg.HookSecret = ""
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P0]: HOOK_SECRET is empty") {
		t.Error("expected hook secret P0 warning, got:", output)
	}
	if strings.Contains(output, "DELIVERY_SECRET is empty") {
		t.Error("did not expect delivery secret warning, got:", output)
	}
}

func TestLogConfigWarnings_MissingDeliverySecret(t *testing.T) {
	cfg := hardenedConfig()
	cfg.DeliverySecret = ""
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P0]: DELIVERY_SECRET is empty") {
		t.Error("expected delivery secret P0 warning, got:", output)
	}
}

func TestLogConfigWarnings_MetricsDisabled(t *testing.T) {
	cfg := hardenedConfig()
	cfg.MetricsEnabled = false
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P1]: METRICS_ENABLED=false") {
		t.Error("expected metrics P1 warning, got:", output)
	}
}

func TestLogConfigWarnings_ChannelModeInfo(t *testing.T) {
	cfg := hardenedConfig()
	cfg.QueueMode = "channel"
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "INFO: QUEUE_MODE=channel") {
		t.Error("expected channel mode INFO, got:", output)
	}
	// Channel mode never triggers the redis concurrency hint.
	cfg.WorkerConcurrency = 1
	output = captureLogOutput(cfg)
	if strings.Contains(output, "WORKER_CONCURRENCY=1") {
		t.Error("did not expect concurrency INFO in channel mode, got:", output)
	}
}

func TestLogConfigWarnings_BreakerDisabledInfo(t *testing.T) {
	cfg := hardenedConfig()
	cfg.CircuitBreakerThreshold = 0
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "INFO: CIRCUIT_BREAKER_THRESHOLD=0") {
		t.Error("expected breaker disabled INFO, got:", output)
	}
}

func TestLogConfigWarnings_SingleRedisConsumer(t *testing.T) {
	cfg := hardenedConfig()
	cfg.WorkerConcurrency = 1
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "INFO: QUEUE_MODE=redis with WORKER_CONCURRENCY=1") {
		t.Error("expected single consumer INFO, got:", output)
	}
}

func TestLogConfigWarnings_AllAtOnce(t *testing.T) {
	// Worst case: everything soft.
	cfg := &config.Config{
		QueueMode: "channel",
	}
	output := captureLogOutput(cfg)

	expected := []string{
		"WARNING [P0]: HOOK_SECRET is empty",
		"WARNING [P0]: DELIVERY_SECRET is empty",
		"WARNING [P1]: METRICS_ENABLED=false",
		"INFO: QUEUE_MODE=channel",
		"INFO: CIRCUIT_BREAKER_THRESHOLD=0",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}
