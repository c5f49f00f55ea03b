// Package render drives a bounded pool of headless Chrome instances to turn
// HTML documents into PNG screenshots.
package render

import "time"

// Options control a single render.
type Options struct {
	// Viewport size in CSS pixels
	Width  int `json:"width"`
	Height int `json:"height"`

	// Device pixel ratio, 1.0 for standard displays
	DeviceScaleFactor float64 `json:"device_scale_factor"`

	// Capture the full scroll height instead of the viewport
	FullPage bool `json:"full_page"`

	// Override the browser user agent
	UserAgent string `json:"user_agent,omitempty"`

	// Per-render deadline, applied on top of the caller's context
	Timeout time.Duration `json:"timeout"`
}

// DefaultOptions returns the standard desktop render configuration.
func DefaultOptions() Options {
	return Options{
		Width:             1280,
		Height:            720,
		DeviceScaleFactor: 1.0,
		Timeout:           30 * time.Second,
	}
}

// normalize fills zero fields with their defaults.
func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.Width <= 0 {
		o.Width = def.Width
	}
	if o.Height <= 0 {
		o.Height = def.Height
	}
	if o.DeviceScaleFactor <= 0 {
		o.DeviceScaleFactor = def.DeviceScaleFactor
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}

// Result is one rendered artifact plus its generation metadata.
type Result struct {
	PNG      []byte            `json:"-"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	FileSize int64             `json:"file_size"`
	Duration time.Duration     `json:"duration"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Device selects a viewport emulation preset.
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceTablet  Device = "tablet"
	DeviceMobile  Device = "mobile"
)

type devicePreset struct {
	width       int
	height      int
	scaleFactor float64
	userAgent   string
}

var devicePresets = map[Device]devicePreset{
	DeviceDesktop: {
		width:       1920,
		height:      1080,
		scaleFactor: 1.0,
		userAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	},
	DeviceTablet: {
		width:       768,
		height:      1024,
		scaleFactor: 2.0,
		userAgent:   "Mozilla/5.0 (iPad; CPU OS 14_0 like Mac OS X) AppleWebKit/605.1.15",
	},
	DeviceMobile: {
		width:       375,
		height:      667,
		scaleFactor: 3.0,
		userAgent:   "Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/605.1.15",
	},
}

// withDevice overrides the viewport fields from a preset. Unknown devices
// fall back to desktop.
func (o Options) withDevice(device Device) Options {
	preset, ok := devicePresets[device]
	if !ok {
		preset = devicePresets[DeviceDesktop]
	}
	o.Width = preset.width
	o.Height = preset.height
	o.DeviceScaleFactor = preset.scaleFactor
	o.UserAgent = preset.userAgent
	return o
}
