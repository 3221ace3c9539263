// Command macrouted runs the routing engine against the simulated audio
// backend: it scripts a small device table and a synthetic application, then
// drives the engine through volume changes and a device switch while pumping
// the IO callbacks. Useful for demos and for exercising the full stack
// without real audio hardware.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/shaban/macroute"
	"github.com/shaban/macroute/hal"
	"github.com/shaban/macroute/hal/halsim"
	"github.com/shaban/macroute/safety"
)

var (
	version = "0.0.1"
)

// CLI defines the command-line interface.
type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version information"`

	Run     RunCmd     `cmd:"" default:"1" help:"Run the engine against the simulated backend"`
	Orphans OrphansCmd `cmd:"" help:"Scan for and destroy orphaned mix devices"`
}

// RunCmd drives a scripted engine session.
type RunCmd struct {
	Duration time.Duration `default:"5s" help:"How long to run the demo"`
	Prefix   string        `default:"macroute" help:"Mix-device naming prefix"`
	Record   string        `type:"path" help:"Write the processed stream to a WAV file"`
}

// OrphansCmd sweeps leaked mix devices by naming prefix.
type OrphansCmd struct {
	Prefix string `default:"macroute" help:"Mix-device naming prefix to scan for"`
}

func main() {
	cliArgs := &CLI{}
	ctx := kong.Parse(cliArgs,
		kong.Name("macrouted"),
		kong.Description("Per-application audio routing engine (simulated backend)"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "macrouted: %v\n", err)
		os.Exit(1)
	}
}

// Run executes the demo scenario.
func (c *RunCmd) Run() error {
	sys := halsim.NewSystem()
	sys.AddDevice(hal.Device{UID: "builtin", Name: "Built-in Output", IsOnline: true, IsDefault: true, Transport: "builtin", NominalSampleRate: 48000}, 0.8)
	sys.AddDevice(hal.Device{UID: "usb-dac", Name: "USB DAC", IsOnline: true, Transport: "usb", NominalSampleRate: 48000}, 0.6)

	app := hal.App{PID: 1234, BundleID: "com.example.player", Name: "Player"}
	sys.SetAppSignal(app, 0.4)

	eng, err := macroute.New(macroute.Config{
		System:        sys,
		MixNamePrefix: c.Prefix,
		ErrorHandler: macroute.NewLoggingErrorHandler(nil, func(err error) {
			fmt.Fprintf(os.Stderr, "macrouted: %v\n", err)
		}),
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.OnAppStarted(app); err != nil {
		return err
	}
	if c.Record != "" {
		if err := eng.EnableRecording(app.Key(), c.Record); err != nil {
			return err
		}
		defer eng.DisableRecording(app.Key())
	}

	// The simulated backend never fires callbacks on its own; pump them like
	// a hardware clock would.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		end := time.After(c.Duration)
		for {
			select {
			case <-tick.C:
				sys.PumpAll(480)
			case <-end:
				return
			}
		}
	}()

	time.Sleep(c.Duration / 4)
	if err := eng.SetVolume(app.Key(), 0.5); err != nil {
		return err
	}

	time.Sleep(c.Duration / 4)
	if err := eng.SetDevice(app.Key(), "usb-dac"); err != nil {
		return err
	}

	<-pumpDone

	statuses, err := eng.Snapshot()
	if err != nil {
		return err
	}
	for _, st := range statuses {
		fmt.Printf("%-24s device=%-10s volume=%.2f muted=%-5v level=%.3f callbacks=%d output=%d\n",
			st.Key, st.DeviceUID, st.Volume, st.Muted, st.Level, st.Diag.Callbacks, st.Diag.WroteOutput)
	}
	return nil
}

// Run executes the orphan sweep.
func (c *OrphansCmd) Run() error {
	sys := halsim.NewSystem()
	n, err := safety.CleanupOrphans(sys, c.Prefix)
	if err != nil {
		return err
	}
	fmt.Printf("destroyed %d orphaned mix device(s) with prefix %q\n", n, c.Prefix)
	return nil
}
