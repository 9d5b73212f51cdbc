package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("steward")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("max_retries = %d", cfg.Retry.MaxRetries)
	}
	want := []time.Duration{6 * time.Minute, 15 * time.Minute, 30 * time.Minute}
	for i, d := range cfg.Retry.Delays {
		if d.Std() != want[i] {
			t.Fatalf("delays[%d] = %v, want %v", i, d.Std(), want[i])
		}
	}
	if cfg.Loop.Tick.Std() != 2*time.Minute {
		t.Fatalf("tick = %v", cfg.Loop.Tick.Std())
	}
}

func TestValidateDelayCountMustMatchRetries(t *testing.T) {
	cfg := Default("steward")
	cfg.Retry.Delays = cfg.Retry.Delays[:2]
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "delays") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateCouncilRequiredForUnanimousTier(t *testing.T) {
	cfg := Default("steward")
	cfg.Governance.Tiers["wipe-archive"] = "needs_unanimous_council"
	cfg.Governance.Council = nil
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "council") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	cfg := Default("steward")
	cfg.Governance.Tiers["post-content"] = "yolo"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown tier accepted")
	}
}

func TestFromYAMLDurations(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("agent-x")))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.ID != "agent-x" {
		t.Fatalf("agent id = %s", cfg.Agent.ID)
	}
	policy, ok := cfg.RateLimitFor("microblog", "post-content")
	if !ok {
		t.Fatal("microblog/post-content policy missing")
	}
	if policy.Cooldown.Std() != 90*time.Second || policy.MaxPerWindow != 25 {
		t.Fatalf("policy = %+v", policy)
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	yaml := strings.Replace(GenerateDefault("steward"), "6m", "six minutes", 1)
	if _, err := FromYAML([]byte(yaml)); err == nil {
		t.Fatal("bad duration accepted")
	}
}
