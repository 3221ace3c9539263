// Package hal defines the boundary to the native audio subsystem: process
// taps, virtual mix devices, device properties and change notifications.
// Platform backends implement System; the engine never talks to the OS
// directly. Every call is fallible and the engine always has a rollback path.
package hal

import "errors"

// Common backend errors. Backends wrap these so the engine can classify
// failures without knowing platform error codes.
var (
	ErrDeviceNotFound  = errors.New("hal: device not found")
	ErrDeviceOffline   = errors.New("hal: device offline")
	ErrTapUnavailable  = errors.New("hal: process tap unavailable")
	ErrSystemRestarted = errors.New("hal: audio services restarted")
)

// App identifies an audio-producing application. PID alone is not enough on
// platforms where audio is routed through helper subprocesses; BundleID is the
// stable identifier used for bundle-scoped capture.
type App struct {
	PID      int32
	BundleID string
	Name     string
}

// Key returns the map key the orchestrator tracks an application under.
// Bundle identity wins when present so multi-process applications collapse
// into one session.
func (a App) Key() string {
	if a.BundleID != "" {
		return a.BundleID
	}
	return "pid:" + itoa(a.PID)
}

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Encoding is the sample encoding of an IO buffer.
type Encoding int

const (
	EncFloat32 Encoding = iota
	EncInt16
	EncInt32
)

func (e Encoding) String() string {
	switch e {
	case EncFloat32:
		return "float32"
	case EncInt16:
		return "int16"
	case EncInt32:
		return "int32"
	default:
		return "unknown"
	}
}

// Format describes the stream format a tap or device produces.
type Format struct {
	SampleRate  float64
	Channels    int
	Interleaved bool
	Encoding    Encoding
}

// Canonical is the engine's internal processing format.
var Canonical = Format{SampleRate: 48000, Channels: 2, Interleaved: true, Encoding: EncFloat32}

// IsCanonicalLayout reports whether the layout (not the sample rate) already
// matches the canonical processing format.
func (f Format) IsCanonicalLayout() bool {
	return f.Channels == 2 && f.Interleaved && f.Encoding == EncFloat32
}

// IOBuffer carries one IO cycle of audio in device format. Exactly one of the
// plane slices is non-nil, selected by Format.Encoding. For interleaved
// layouts a single plane holds Frames*Channels samples; planar layouts hold
// one plane per channel of Frames samples each.
type IOBuffer struct {
	Format Format
	Frames int

	Float32 [][]float32
	Int16   [][]int16
	Int32   [][]int32
}

// Planes returns the number of data planes present.
func (b *IOBuffer) Planes() int {
	switch b.Format.Encoding {
	case EncFloat32:
		return len(b.Float32)
	case EncInt16:
		return len(b.Int16)
	case EncInt32:
		return len(b.Int32)
	}
	return 0
}

// IOProc is the real-time callback installed on a mix device. It runs on the
// audio subsystem's callback thread: no allocation, no locking, no blocking,
// bounded execution time. in holds the captured application audio, out the
// buffer to fill for the physical output.
type IOProc func(in, out *IOBuffer)

// MixDeviceID is the numeric identifier of a virtual mix device. It is valid
// across processes and usable from a crash handler, which is why the crash
// registry stores raw IDs rather than handles.
type MixDeviceID uint64

// TapHandle is a live per-process (or per-bundle) capture stream.
type TapHandle interface {
	// Format returns the captured stream's format. Backends may not be able
	// to read it before first IO; callers fall back to the output device's
	// nominal rate when this fails.
	Format() (Format, error)

	// SupportsOverlap reports whether a second mix device may consume this
	// tap concurrently. Bundle-scoped taps on some platforms cannot overlap,
	// which forces the destructive switch path.
	SupportsOverlap() bool

	// SetOriginSilenced controls whether the source application's own output
	// path is muted while the tap is live. Taps start un-silenced; the engine
	// upgrades only after real captured input has been observed, so a killed
	// process can never leave the application permanently muted.
	SetOriginSilenced(silenced bool) error

	Destroy() error
}

// MixConfig configures a virtual mix device binding a tap to a physical
// output, with drift compensation between the two clocks.
type MixConfig struct {
	Tap             TapHandle
	OutputDeviceUID string
	// Name is the mix device's published name. The orchestrator uses a fixed
	// prefix so the startup orphan scan can find leaked devices.
	Name string
}

// MixHandle is a live virtual mix device.
type MixHandle interface {
	ID() MixDeviceID

	// SetIOProc installs the real-time callback. Must be called before Start.
	SetIOProc(proc IOProc) error

	Start() error

	// Stop halts IO and returns only after the callback has demonstrably
	// ceased; destruction is safe afterwards.
	Stop() error

	Destroy() error
}

// EventKind classifies subsystem notifications.
type EventKind int

const (
	DeviceListChanged EventKind = iota
	DefaultOutputChanged
	ServicesRestarted
)

// Event is a subsystem notification delivered to subscribers.
type Event struct {
	Kind EventKind
	// DeviceUID is set for DefaultOutputChanged.
	DeviceUID string
}

// Device describes a physical output device as reported by the backend.
type Device struct {
	UID       string
	Name      string
	IsOnline  bool
	IsDefault bool
	// Transport is the connection type ("builtin", "usb", "bluetooth", ...).
	// Wireless transports get the extended warmup window during switches.
	Transport string
	// NominalSampleRate is the device's configured rate in Hz.
	NominalSampleRate float64
}

// HighLatency reports whether the device needs the extended warmup window
// before a crossfade can begin.
func (d Device) HighLatency() bool {
	return d.Transport == "bluetooth" || d.Transport == "airplay"
}

// System is the full native audio subsystem surface the engine depends on.
type System interface {
	// CreateProcessTap intercepts the application's output stream.
	CreateProcessTap(app App) (TapHandle, error)

	// CreateMixDevice creates a virtual device mixing the tap into the given
	// physical output.
	CreateMixDevice(cfg MixConfig) (MixHandle, error)

	// DestroyMixDeviceByID destroys a mix device by raw ID. It must not
	// depend on in-process heap state so the crash handler can call it.
	DestroyMixDeviceByID(id MixDeviceID) error

	// ListMixDevices returns the IDs of all mix devices whose published name
	// starts with prefix, for the startup orphan scan.
	ListMixDevices(prefix string) ([]MixDeviceID, error)

	Devices() ([]Device, error)
	DeviceByUID(uid string) (Device, error)
	DefaultOutputDevice() (string, error)

	// DeviceVolume returns the device's scalar output volume in [0,1].
	DeviceVolume(uid string) (float64, error)

	// Subscribe registers for subsystem notifications. The returned function
	// unsubscribes; events stop arriving after it returns.
	Subscribe(func(Event)) (unsubscribe func())
}
