package macroute

import (
	"fmt"
	"time"

	"github.com/shaban/macroute/hal"
)

// Config configures an Engine. Zero values get production defaults; only
// System is required.
type Config struct {
	System hal.System

	// Store persists per-application settings. Defaults to an in-memory
	// store.
	Store Store

	ErrorHandler ErrorHandler

	// MixNamePrefix namespaces published mix-device names so the startup
	// orphan scan can identify devices owned by this engine.
	MixNamePrefix string

	// CrossfadeDuration is the equal-power fade length during a device
	// switch.
	CrossfadeDuration time.Duration

	// WarmupMinSamples is the number of samples the incoming session must
	// deliver before a crossfade may begin.
	WarmupMinSamples uint64

	// Warmup confirmation is polled at WarmupPollInterval and bounded by the
	// wired or wireless timeout depending on the target device's transport.
	WarmupTimeoutWired    time.Duration
	WarmupTimeoutWireless time.Duration
	WarmupPollInterval    time.Duration

	// CompletionGrace bounds how long past the nominal fade duration the
	// engine waits for crossfade completion before promoting anyway.
	CompletionGrace time.Duration

	// DestructiveSilence is the fixed silence window of the fallback switch.
	DestructiveSilence time.Duration

	// HealthInterval is the period of the session health check.
	HealthInterval time.Duration

	// RecreationCap bounds consecutive recreation attempts per application;
	// exceeding it abandons the application.
	RecreationCap int

	// StopGrace delays session destruction after an application disappears,
	// tolerating transient disappearances during handle creation.
	StopGrace time.Duration

	// RestartStabilization is how long the engine waits after an
	// audio-services restart before recreating sessions.
	RestartStabilization time.Duration

	// MaxFrames bounds per-callback frame counts for scratch sizing.
	MaxFrames int
}

func (c *Config) applyDefaults() error {
	if c.System == nil {
		return fmt.Errorf("macroute: Config.System is required")
	}
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = &DefaultErrorHandler{}
	}
	if c.MixNamePrefix == "" {
		c.MixNamePrefix = "macroute"
	}
	if c.CrossfadeDuration <= 0 {
		c.CrossfadeDuration = 50 * time.Millisecond
	}
	if c.WarmupMinSamples == 0 {
		c.WarmupMinSamples = 2048
	}
	if c.WarmupTimeoutWired <= 0 {
		c.WarmupTimeoutWired = 2 * time.Second
	}
	if c.WarmupTimeoutWireless <= 0 {
		c.WarmupTimeoutWireless = 8 * time.Second
	}
	if c.WarmupPollInterval <= 0 {
		c.WarmupPollInterval = 25 * time.Millisecond
	}
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = time.Second
	}
	if c.DestructiveSilence <= 0 {
		c.DestructiveSilence = 150 * time.Millisecond
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.RecreationCap <= 0 {
		c.RecreationCap = 3
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 1500 * time.Millisecond
	}
	if c.RestartStabilization <= 0 {
		c.RestartStabilization = time.Second
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 4096
	}
	return nil
}

// warmupTimeout selects the warmup window for a target device; wireless
// transports need longer to establish their connection.
func (c *Config) warmupTimeout(dev hal.Device) time.Duration {
	if dev.HighLatency() {
		return c.WarmupTimeoutWireless
	}
	return c.WarmupTimeoutWired
}
