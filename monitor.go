package macroute

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shaban/macroute/hal"
)

// DeviceMonitor polls the device population for backends whose native change
// notifications are unreliable or missing, and synthesizes the corresponding
// events. Polling is adaptive: fast while things are changing, backing off
// when the device list is stable.
type DeviceMonitor struct {
	sys  hal.System
	sink func(hal.Event)
	errs ErrorHandler

	mu        sync.RWMutex
	isRunning bool
	quit      chan struct{}

	baseInterval    time.Duration
	maxInterval     time.Duration
	currentInterval time.Duration
	noChangeCount   int

	lastFingerprint string
	lastDefault     string

	averageCheckTime time.Duration
	maxCheckTime     time.Duration
	checkCount       int64
}

// NewDeviceMonitor creates a monitor that reports change events to sink.
func NewDeviceMonitor(sys hal.System, sink func(hal.Event), errs ErrorHandler) *DeviceMonitor {
	if errs == nil {
		errs = &DefaultErrorHandler{}
	}
	return &DeviceMonitor{
		sys:             sys,
		sink:            sink,
		errs:            errs,
		baseInterval:    50 * time.Millisecond,
		maxInterval:     200 * time.Millisecond,
		currentInterval: 50 * time.Millisecond,
	}
}

// Start begins polling.
func (dm *DeviceMonitor) Start() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.isRunning {
		return fmt.Errorf("macroute: device monitor is already running")
	}

	fp, def, err := dm.observe()
	if err != nil {
		return fmt.Errorf("macroute: initial device scan failed: %w", err)
	}
	dm.lastFingerprint = fp
	dm.lastDefault = def
	dm.isRunning = true
	dm.quit = make(chan struct{})

	go dm.monitorLoop(dm.quit)
	return nil
}

// Stop halts polling.
func (dm *DeviceMonitor) Stop() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if !dm.isRunning {
		return
	}
	dm.isRunning = false
	close(dm.quit)
}

// IsRunning reports whether the monitor is active.
func (dm *DeviceMonitor) IsRunning() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.isRunning
}

func (dm *DeviceMonitor) monitorLoop(quit chan struct{}) {
	interval := dm.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			dm.checkDevices()
			if next := dm.interval(); next != interval {
				ticker.Reset(next)
				interval = next
			}
		}
	}
}

func (dm *DeviceMonitor) interval() time.Duration {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.currentInterval
}

// observe reduces the device population to a comparable fingerprint plus the
// current default UID.
func (dm *DeviceMonitor) observe() (fingerprint, defaultUID string, err error) {
	devs, err := dm.sys.Devices()
	if err != nil {
		return "", "", err
	}
	parts := make([]string, 0, len(devs))
	for _, d := range devs {
		online := "-"
		if d.IsOnline {
			online = "+"
		}
		parts = append(parts, d.UID+online)
	}
	sort.Strings(parts)
	def, err := dm.sys.DefaultOutputDevice()
	if err != nil {
		return "", "", err
	}
	return strings.Join(parts, ","), def, nil
}

func (dm *DeviceMonitor) checkDevices() {
	start := time.Now()

	fp, def, err := dm.observe()
	if err != nil {
		dm.errs.HandleError(fmt.Errorf("macroute: device check failed: %w", err))
		return
	}
	dm.updatePerformanceStats(time.Since(start))

	dm.mu.Lock()
	listChanged := fp != dm.lastFingerprint
	defaultChanged := def != dm.lastDefault
	dm.lastFingerprint = fp
	dm.lastDefault = def
	if listChanged || defaultChanged {
		dm.adaptiveSpeedupLocked()
	} else {
		dm.adaptiveSlowdownLocked()
	}
	dm.mu.Unlock()

	if listChanged {
		dm.sink(hal.Event{Kind: hal.DeviceListChanged})
	}
	if defaultChanged {
		dm.sink(hal.Event{Kind: hal.DefaultOutputChanged, DeviceUID: def})
	}
}

func (dm *DeviceMonitor) updatePerformanceStats(elapsed time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.checkCount++
	if dm.checkCount == 1 {
		dm.averageCheckTime = elapsed
	} else {
		// EMA with alpha = 0.1.
		dm.averageCheckTime = time.Duration(float64(dm.averageCheckTime)*0.9 + float64(elapsed)*0.1)
	}
	if elapsed > dm.maxCheckTime {
		dm.maxCheckTime = elapsed
	}
}

// adaptiveSlowdownLocked gradually increases the interval while nothing
// changes. Caller holds dm.mu.
func (dm *DeviceMonitor) adaptiveSlowdownLocked() {
	dm.noChangeCount++
	if dm.noChangeCount > 10 {
		next := time.Duration(float64(dm.currentInterval) * 1.1)
		if next > dm.maxInterval {
			next = dm.maxInterval
		}
		dm.currentInterval = next
	}
}

// adaptiveSpeedupLocked resets to fast polling on any change. Caller holds
// dm.mu.
func (dm *DeviceMonitor) adaptiveSpeedupLocked() {
	dm.noChangeCount = 0
	dm.currentInterval = dm.baseInterval
}

// PerformanceStats returns polling cost statistics.
func (dm *DeviceMonitor) PerformanceStats() (avgTime, maxTime time.Duration, checkCount int64) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.averageCheckTime, dm.maxCheckTime, dm.checkCount
}

// ForceDeviceCheck triggers an immediate check, mainly for tests.
func (dm *DeviceMonitor) ForceDeviceCheck() {
	if dm.IsRunning() {
		dm.checkDevices()
	}
}
