package macroute_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaban/macroute"
	"github.com/shaban/macroute/hal"
	"github.com/shaban/macroute/hal/halsim"
)

var (
	player = hal.App{PID: 100, BundleID: "com.example.player", Name: "Player"}

	builtin = hal.Device{UID: "builtin", Name: "Built-in", IsOnline: true, IsDefault: true, Transport: "builtin", NominalSampleRate: 48000}
	usbDAC  = hal.Device{UID: "usb", Name: "USB DAC", IsOnline: true, Transport: "usb", NominalSampleRate: 48000}
)

// discardErrors swallows engine errors; tests that care inject their own
// handler.
type discardErrors struct{}

func (discardErrors) HandleError(error) {}

func newTestSystem() *halsim.System {
	sys := halsim.NewSystem()
	sys.AddDevice(builtin, 0.8)
	sys.AddDevice(usbDAC, 0.8)
	return sys
}

// startPump drives all live mix callbacks in the background like a hardware
// clock would.
func startPump(sys *halsim.System) (stop func()) {
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				sys.PumpAll(480)
			}
		}
	}()
	return func() { close(done) }
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(t *testing.T, eng *macroute.Engine, key string) (macroute.AppStatus, bool) {
	t.Helper()
	statuses, err := eng.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range statuses {
		if st.Key == key {
			return st, true
		}
	}
	return macroute.AppStatus{}, false
}

func TestPersistedSettingsAppliedOnStart(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)

	store := macroute.NewMemoryStore()
	if err := store.Save(player.Key(), macroute.AppConfig{Volume: 0.5, Policy: macroute.FollowSystemDefault}); err != nil {
		t.Fatal(err)
	}

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		Store:          store,
		ErrorHandler:   discardErrors{},
		HealthInterval: 10 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}

	st, ok := statusOf(t, eng, player.Key())
	if !ok {
		t.Fatal("application not in snapshot")
	}
	if st.Volume != 0.5 {
		t.Errorf("volume = %v, want persisted 0.5", st.Volume)
	}
	if st.DeviceUID != "builtin" {
		t.Errorf("device = %q, want default builtin", st.DeviceUID)
	}

	// Settled output reflects the persisted volume.
	for i := 0; i < 12; i++ {
		sys.PumpAll(480)
	}
	out := sys.LiveMixes()[0].Pump(480)
	if p := peakOf(out.Float32[0]); p < 0.24 || p > 0.26 {
		t.Errorf("output peak = %v, want ~0.25 (0.5 signal at 0.5 volume)", p)
	}
}

func TestCrossfadeSwitchPromotesIncoming(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		ErrorHandler:   discardErrors{},
		HealthInterval: 10 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}

	stop := startPump(sys)
	defer stop()

	if err := eng.SetDevice(player.Key(), "usb"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "switch completion", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && !st.Switching && st.DeviceUID == "usb"
	})
	waitFor(t, time.Second, "old session teardown", func() bool {
		return sys.MixCount() == 1
	})

	st, _ := statusOf(t, eng, player.Key())
	if st.Policy != macroute.PreserveExplicitRouting {
		t.Errorf("policy = %v, want explicit after SetDevice", st.Policy)
	}
	if st.Diag.Callbacks == 0 {
		t.Error("merged diagnostics lost the retired session's counters")
	}
}

func TestWarmupTimeoutFallsBackToDestructiveSwitch(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)

	eng, err := macroute.New(macroute.Config{
		System:             sys,
		ErrorHandler:       discardErrors{},
		HealthInterval:     10 * time.Minute,
		WarmupTimeoutWired: 60 * time.Millisecond,
		DestructiveSilence: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}

	// No pumping: the incoming session can never confirm warmup, so the
	// switch must complete via the destructive path.
	if err := eng.SetDevice(player.Key(), "usb"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "destructive switch completion", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && !st.Switching && st.DeviceUID == "usb"
	})
	waitFor(t, time.Second, "replaced session teardown", func() bool {
		return sys.MixCount() == 1
	})
}

func TestNonOverlappingTapUsesDestructivePath(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppProfile(player, hal.Canonical, false, 0.5) // overlap disabled

	eng, err := macroute.New(macroute.Config{
		System:             sys,
		ErrorHandler:       discardErrors{},
		HealthInterval:     10 * time.Minute,
		DestructiveSilence: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}

	if err := eng.SetDevice(player.Key(), "usb"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "destructive switch completion", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && !st.Switching && st.DeviceUID == "usb"
	})
	if sys.MixCount() != 1 {
		t.Errorf("mix count = %d, want 1", sys.MixCount())
	}
}

func TestRecreationCapAbandonsApplication(t *testing.T) {
	sys := newTestSystem()
	var attempts atomic.Int64
	injected := errors.New("tap always fails")
	sys.OnCreateTap = func(hal.App) error {
		attempts.Add(1)
		return injected
	}

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		ErrorHandler:   discardErrors{},
		HealthInterval: 20 * time.Millisecond,
		RecreationCap:  3,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); !errors.Is(err, injected) {
		t.Fatalf("OnAppStarted error = %v, want injected failure", err)
	}

	waitFor(t, 3*time.Second, "abandonment", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && st.Abandoned
	})

	got := attempts.Load()
	if got != 4 { // initial creation + three capped recreations
		t.Errorf("creation attempts = %d, want 4", got)
	}

	// No further attempts after abandonment.
	time.Sleep(100 * time.Millisecond)
	if after := attempts.Load(); after != got {
		t.Errorf("attempts grew after abandonment: %d -> %d", got, after)
	}
	if err := eng.OnAppStarted(player); !errors.Is(err, macroute.ErrAbandoned) {
		t.Errorf("restart of abandoned app = %v, want ErrAbandoned", err)
	}
}

func TestFollowDefaultTracksDefaultChanges(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		ErrorHandler:   discardErrors{},
		HealthInterval: 10 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}

	stop := startPump(sys)
	defer stop()

	sys.SetDefault("usb")

	waitFor(t, 5*time.Second, "follow-default switch", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && !st.Switching && st.DeviceUID == "usb"
	})
}

func TestStopGraceCancelledByReappearance(t *testing.T) {
	sys := newTestSystem()

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		ErrorHandler:   discardErrors{},
		HealthInterval: 10 * time.Minute,
		StopGrace:      200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}
	if err := eng.OnAppStopped(player); err != nil {
		t.Fatal(err)
	}
	// Reappears inside the grace window; the session must survive.
	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if _, ok := statusOf(t, eng, player.Key()); !ok {
		t.Fatal("session destroyed despite reappearance within grace period")
	}
	if sys.MixCount() != 1 {
		t.Errorf("mix count = %d, want 1", sys.MixCount())
	}
}

func TestStopGraceExpiryDestroysSession(t *testing.T) {
	sys := newTestSystem()

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		ErrorHandler:   discardErrors{},
		HealthInterval: 10 * time.Minute,
		StopGrace:      30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}
	if err := eng.OnAppStopped(player); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "grace expiry teardown", func() bool {
		_, ok := statusOf(t, eng, player.Key())
		return !ok && sys.MixCount() == 0
	})
}

func TestServicesRestartRecreatesSessionsOnSameRoute(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)

	eng, err := macroute.New(macroute.Config{
		System:               sys,
		ErrorHandler:         discardErrors{},
		HealthInterval:       10 * time.Minute,
		RestartStabilization: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}
	if err := eng.SetVolume(player.Key(), 0.7); err != nil {
		t.Fatal(err)
	}

	sys.RestartServices()

	waitFor(t, 3*time.Second, "restart recovery", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && st.DeviceUID == "builtin" && sys.MixCount() == 1
	})

	st, _ := statusOf(t, eng, player.Key())
	if st.Volume != 0.7 {
		t.Errorf("volume after recovery = %v, want 0.7", st.Volume)
	}
}

func TestSetVolumePersists(t *testing.T) {
	sys := newTestSystem()
	store := macroute.NewMemoryStore()

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		Store:          store,
		ErrorHandler:   discardErrors{},
		HealthInterval: 10 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}
	if err := eng.SetVolume(player.Key(), 1.5); err != nil {
		t.Fatal(err)
	}
	if err := eng.SetMute(player.Key(), true); err != nil {
		t.Fatal(err)
	}

	cfg, ok, err := store.Load(player.Key())
	if err != nil || !ok {
		t.Fatalf("settings not persisted: ok=%v err=%v", ok, err)
	}
	if cfg.Volume != 1.5 || !cfg.Muted {
		t.Errorf("persisted = %+v, want volume 1.5 muted", cfg)
	}

	// Settings for applications the engine has never seen still persist; they
	// apply when the application eventually launches.
	if err := eng.SetVolume("nobody", 1.25); err != nil {
		t.Fatalf("detached SetVolume: %v", err)
	}
	cfg, ok, err = store.Load("nobody")
	if err != nil || !ok {
		t.Fatalf("detached settings not persisted: ok=%v err=%v", ok, err)
	}
	if cfg.Volume != 1.25 {
		t.Errorf("detached volume = %v, want 1.25", cfg.Volume)
	}
}

func TestSettingsPersistWithoutSession(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)
	store := macroute.NewMemoryStore()

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		Store:          store,
		ErrorHandler:   discardErrors{},
		HealthInterval: 10 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	key := player.Key()
	if err := eng.SetVolume(key, 0.6); err != nil {
		t.Fatal(err)
	}
	if err := eng.SetMute(key, true); err != nil {
		t.Fatal(err)
	}
	var bands [10]float64
	bands[0] = 3
	if err := eng.SetEQ(key, bands); err != nil {
		t.Fatal(err)
	}
	if err := eng.SetDevice(key, "usb"); err != nil {
		t.Fatal(err)
	}

	cfg, ok, err := store.Load(key)
	if err != nil || !ok {
		t.Fatalf("settings not persisted: ok=%v err=%v", ok, err)
	}
	if cfg.Volume != 0.6 || !cfg.Muted || cfg.EQ[0] != 3 {
		t.Errorf("persisted = %+v, want volume 0.6 muted eq[0]=3", cfg)
	}
	if cfg.DeviceUID != "usb" || cfg.Policy != macroute.PreserveExplicitRouting {
		t.Errorf("persisted route = %q/%v, want usb/explicit", cfg.DeviceUID, cfg.Policy)
	}

	// Unknown devices are rejected even without a session to switch.
	if err := eng.SetDevice(key, "ghost"); err == nil {
		t.Error("SetDevice accepted a device that does not exist")
	}

	// Clearing the route reverts to following the default.
	if err := eng.SetDevice(key, ""); err != nil {
		t.Fatal(err)
	}
	cfg, _, _ = store.Load(key)
	if cfg.DeviceUID != "" || cfg.Policy != macroute.FollowSystemDefault {
		t.Errorf("cleared route = %q/%v, want empty/follow-default", cfg.DeviceUID, cfg.Policy)
	}
	if err := eng.SetDevice(key, "usb"); err != nil {
		t.Fatal(err)
	}

	// The persisted settings take effect when the application launches.
	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}
	st, found := statusOf(t, eng, key)
	if !found {
		t.Fatal("application not in snapshot")
	}
	if st.Volume != 0.6 || !st.Muted || st.DeviceUID != "usb" {
		t.Errorf("status = volume %v muted %v device %q, want 0.6/true/usb", st.Volume, st.Muted, st.DeviceUID)
	}
}

func TestMutedApplicationStaysManaged(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)

	store := macroute.NewMemoryStore()
	if err := store.Save(player.Key(), macroute.AppConfig{Volume: 1, Muted: true, Policy: macroute.FollowSystemDefault}); err != nil {
		t.Fatal(err)
	}

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		Store:          store,
		ErrorHandler:   discardErrors{},
		HealthInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}

	stop := startPump(sys)
	defer stop()

	// Many health cycles of deliberate silence: a muted session writes no
	// output, which must read as intentional, not as a broken tap.
	time.Sleep(300 * time.Millisecond)

	st, ok := statusOf(t, eng, player.Key())
	if !ok {
		t.Fatal("muted application dropped from management")
	}
	if st.Abandoned {
		t.Error("muted application was abandoned")
	}
	if st.Diag.MutedSilence == 0 {
		t.Error("callback never took the muted path; test drives nothing")
	}
	if n := sys.MixCount(); n != 1 {
		t.Errorf("mix count = %d, want the original session intact", n)
	}
}

func TestRestartDuringSwitchRecoversCleanly(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)

	eng, err := macroute.New(macroute.Config{
		System:               sys,
		ErrorHandler:         discardErrors{},
		HealthInterval:       10 * time.Minute,
		WarmupTimeoutWired:   10 * time.Second,
		RestartStabilization: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}

	// No pumping: the switch parks in warmup with both sessions alive.
	if err := eng.SetDevice(player.Key(), "usb"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "incoming session creation", func() bool {
		return sys.MixCount() == 2
	})

	sys.RestartServices()

	// Recovery must recreate exactly one session on the pre-switch route; the
	// disowned switch's late completion must not reinstall its dead sessions.
	waitFor(t, 3*time.Second, "restart recovery", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && !st.Switching && st.DeviceUID == "builtin" && sys.MixCount() == 1
	})

	time.Sleep(100 * time.Millisecond)
	st, _ := statusOf(t, eng, player.Key())
	if st.Switching || st.DeviceUID != "builtin" {
		t.Errorf("status after recovery = switching %v device %q, want settled on builtin", st.Switching, st.DeviceUID)
	}
	if n := sys.MixCount(); n != 1 {
		t.Errorf("mix count = %d, want 1", n)
	}
}

func TestSnapshotReportsPlayingState(t *testing.T) {
	sys := newTestSystem()
	sys.SetAppSignal(player, 0.5)
	idle := hal.App{PID: 101, BundleID: "com.example.idle", Name: "Idle"}

	eng, err := macroute.New(macroute.Config{
		System:         sys,
		ErrorHandler:   discardErrors{},
		HealthInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OnAppStarted(player); err != nil {
		t.Fatal(err)
	}
	if err := eng.OnAppStarted(idle); err != nil {
		t.Fatal(err)
	}

	stop := startPump(sys)
	defer stop()

	waitFor(t, 2*time.Second, "playing state", func() bool {
		st, ok := statusOf(t, eng, player.Key())
		return ok && st.IsPlaying
	})

	st, ok := statusOf(t, eng, idle.Key())
	if !ok {
		t.Fatal("idle application not in snapshot")
	}
	if st.IsPlaying {
		t.Error("application with no signal reported as playing")
	}
}

func peakOf(buf []float32) float32 {
	var p float32
	for _, s := range buf {
		if s < 0 {
			s = -s
		}
		if s > p {
			p = s
		}
	}
	return p
}
