package ratelimit

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerAddressBurst = 3
	cfg.PerAddressRate = 0.001
	cfg.GlobalBurst = 100
	cfg.GlobalRate = 100

	l := New(cfg, zerolog.New(io.Discard))
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("attempt %d should be allowed within burst", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("attempt beyond burst should be rejected")
	}
}

func TestLimiterTracksDistinctAddressesIndependently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerAddressBurst = 1
	cfg.PerAddressRate = 0.001
	cfg.GlobalBurst = 100
	cfg.GlobalRate = 100

	l := New(cfg, zerolog.New(io.Discard))
	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("distinct addresses should each get their own burst allowance")
	}
	if l.Allow("a") {
		t.Fatal("address a should be exhausted after its first attempt")
	}
}

func TestLimiterGlobalCapApplies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerAddressBurst = 1000
	cfg.PerAddressRate = 1000
	cfg.GlobalBurst = 2
	cfg.GlobalRate = 0.001

	l := New(cfg, zerolog.New(io.Discard))
	if !l.Allow("x") || !l.Allow("y") {
		t.Fatal("first two attempts should fit the global burst")
	}
	if l.Allow("z") {
		t.Fatal("third attempt should be rejected by the global limiter")
	}
}

func TestCleanupRemovesIdleAddresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerAddressTTL = time.Millisecond
	l := New(cfg, zerolog.New(io.Discard))

	l.Allow("stale")
	time.Sleep(5 * time.Millisecond)
	l.Cleanup()

	if l.TrackedAddresses() != 0 {
		t.Fatalf("TrackedAddresses = %d, want 0 after cleanup", l.TrackedAddresses())
	}
}
