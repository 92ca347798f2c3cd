// Package config loads the exchange's runtime tunables from a .env file in
// the project root, overridable by environment variables of the same name,
// mirroring how the rest of this stack's deployment tooling is configured.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cascoda/ca821x-exchange/internal/transport/kernel"
	"github.com/cascoda/ca821x-exchange/internal/transport/usbhid"
)

// Config holds the tunables the exchange needs to open a device and serve
// its status API.
type Config struct {
	// TransportKind selects which transport Init should try: "auto",
	// "usb", or "kernel". Empty means auto.
	TransportKind string

	// KernelDevicePath overrides the kernel debugfs node path.
	KernelDevicePath string

	// USBVendorID and USBProductID override the USB HID VID/PID to match.
	USBVendorID  uint16
	USBProductID uint16

	// PollDelayMs overrides the I/O worker's idle poll interval, in
	// milliseconds. Zero means use the exchange's built-in default.
	PollDelayMs int

	// StatusAddr is the listen address for the status REST API, e.g.
	// ":8080" (the default Load applies). No value disables the status
	// server: ca8210-statusd always starts it at this address.
	StatusAddr string
}

var (
	cached       *Config
	cachedLoaded bool
)

// Load reads .env from the project root (if present), then applies
// environment variable overrides, caching the result for subsequent calls.
func Load() (*Config, error) {
	if cached != nil && cachedLoaded {
		return cached, nil
	}

	cfg := &Config{
		KernelDevicePath: kernel.DefaultPath,
		USBVendorID:      usbhid.DefaultVendorID,
		USBProductID:     usbhid.DefaultProductID,
		StatusAddr:       ":8080",
	}

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)

	cached = cfg
	cachedLoaded = true
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CA821X_TRANSPORT"); v != "" {
		cfg.TransportKind = v
	}
	if v := os.Getenv("CA821X_KERNEL_DEVICE_PATH"); v != "" {
		cfg.KernelDevicePath = v
	}
	if v := os.Getenv("CA821X_USB_VENDOR_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 16); err == nil {
			cfg.USBVendorID = uint16(n)
		}
	}
	if v := os.Getenv("CA821X_USB_PRODUCT_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 16); err == nil {
			cfg.USBProductID = uint16(n)
		}
	}
	if v := os.Getenv("CA821X_POLL_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollDelayMs = n
		}
	}
	if v := os.Getenv("CA821X_STATUS_ADDR"); v != "" {
		cfg.StatusAddr = v
	}
}

func parseEnvFile(content string, cfg *Config) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "CA821X_TRANSPORT":
			cfg.TransportKind = value
		case "CA821X_KERNEL_DEVICE_PATH":
			cfg.KernelDevicePath = value
		case "CA821X_USB_VENDOR_ID":
			if n, err := strconv.ParseUint(value, 0, 16); err == nil {
				cfg.USBVendorID = uint16(n)
			}
		case "CA821X_USB_PRODUCT_ID":
			if n, err := strconv.ParseUint(value, 0, 16); err == nil {
				cfg.USBProductID = uint16(n)
			}
		case "CA821X_POLL_DELAY_MS":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.PollDelayMs = n
			}
		case "CA821X_STATUS_ADDR":
			cfg.StatusAddr = value
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// reset clears the cached Config; used by this package's tests.
func reset() {
	cached = nil
	cachedLoaded = false
}
