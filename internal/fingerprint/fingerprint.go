// Package fingerprint derives a stable, privacy-safe hardware identity for
// the host. Each obtainable identifier is hashed individually; the resulting
// set is what gets embedded in licenses and compared at validation time.
// Raw identifiers never leave this package.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// hashDomain separates fingerprint hashes from any other SHA-256 use in the
// product. Changing it invalidates every issued license binding.
const hashDomain = "fathomos-hwid-v1"

// ErrNoHardwareIdentity is returned when no hardware identifier could be
// probed. The caller must treat this as a hard failure: degrading to weak,
// user-controllable identifiers (hostname, username, environment values)
// is not permitted.
var ErrNoHardwareIdentity = errors.New("no hardware identifier obtainable")

// Component is a single hashed hardware identifier together with its source
// kind. The Value is the only part that is ever persisted or transmitted.
type Component struct {
	Kind  string
	Value string
}

// probe attempts to collect one class of hardware identifier. It returns
// the raw values found; an empty slice means the source is unavailable on
// this host, which is not an error by itself.
type probe struct {
	kind string
	run  func() ([]string, error)
}

// Collector probes the host hardware and produces the fingerprint set.
// Results are cached because the identifiers are stable for the lifetime
// of the process and some probes touch sysfs.
type Collector struct {
	probes []probe
	logger *slog.Logger

	cacheMu     sync.RWMutex
	cache       []Component
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// Option configures a Collector.
type Option func(*Collector)

// WithProbes replaces the default probe set; used by tests and by the
// license generator when binding a license for a remote machine report.
func WithProbes(kinds map[string]func() ([]string, error)) Option {
	return func(c *Collector) {
		c.probes = c.probes[:0]
		names := make([]string, 0, len(kinds))
		for name := range kinds {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.probes = append(c.probes, probe{kind: name, run: kinds[name]})
		}
	}
}

// NewCollector creates a collector with the platform probe set.
func NewCollector(logger *slog.Logger, opts ...Option) *Collector {
	c := &Collector{
		logger:   logger,
		cacheTTL: time.Hour,
		probes: []probe{
			{kind: "nic", run: probeMACAddresses},
			{kind: "board", run: probeBoardIdentity},
			{kind: "disk", run: probeDiskSerials},
			{kind: "cpu", run: probeCPUIdentity},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Components returns the hashed fingerprint components for this host.
// Pure read of host state; results are hashed before they are returned so
// nothing downstream ever sees a raw serial number.
func (c *Collector) Components(ctx context.Context) ([]Component, error) {
	c.cacheMu.RLock()
	if c.cache != nil && time.Now().Before(c.cacheExpiry) {
		cached := make([]Component, len(c.cache))
		copy(cached, c.cache)
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	start := time.Now()
	var components []Component

	for _, p := range c.probes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		values, err := p.run()
		if err != nil {
			c.logger.DebugContext(ctx, "hardware probe unavailable",
				slog.String("kind", p.kind),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			components = append(components, Component{
				Kind:  p.kind,
				Value: HashIdentifier(p.kind, v),
			})
		}
	}

	if len(components) == 0 {
		c.logger.ErrorContext(ctx, "hardware identity probe failed",
			slog.Int("probes_attempted", len(c.probes)),
		)
		return nil, ErrNoHardwareIdentity
	}

	c.cacheMu.Lock()
	c.cache = components
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.cacheMu.Unlock()

	c.logger.InfoContext(ctx, "hardware fingerprint generated",
		slog.Int("components", len(components)),
		slog.Duration("duration", time.Since(start)),
	)

	out := make([]Component, len(components))
	copy(out, components)
	return out, nil
}

// Set returns the hashed fingerprint values only, for embedding in a
// license's accepted set or matching against one.
func (c *Collector) Set(ctx context.Context) ([]string, error) {
	components, err := c.Components(ctx)
	if err != nil {
		return nil, err
	}
	set := make([]string, 0, len(components))
	for _, comp := range components {
		set = append(set, comp.Value)
	}
	return set, nil
}

// Matches counts how many of the accepted fingerprints are present on this
// machine and reports whether the count meets the minimum threshold. The
// threshold tolerates partial hardware change: with minMatch 1, a single
// component swap does not require relicensing.
func (c *Collector) Matches(ctx context.Context, accepted []string, minMatch int) (int, bool, error) {
	if minMatch < 1 {
		minMatch = 1
	}
	current, err := c.Set(ctx)
	if err != nil {
		return 0, false, err
	}

	have := make(map[string]struct{}, len(current))
	for _, fp := range current {
		have[fp] = struct{}{}
	}

	matches := 0
	for _, fp := range accepted {
		if _, ok := have[fp]; ok {
			matches++
		}
	}

	return matches, matches >= minMatch, nil
}

// ClearCache drops cached probe results; the next call re-probes.
func (c *Collector) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = nil
	c.cacheExpiry = time.Time{}
}

// HashIdentifier hashes a raw hardware identifier with the package domain
// separator. Exported so the license generator can compute accepted sets
// from a machine report without shipping raw identifiers.
func HashIdentifier(kind, raw string) string {
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{'|'})
	h.Write([]byte(kind))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(h.Sum(nil))
}

// probeMACAddresses returns the MAC addresses of physical, non-loopback
// interfaces. Virtual all-zero addresses are skipped.
func probeMACAddresses() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate network interfaces: %w", err)
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, mac)
	}

	sort.Strings(macs)
	return macs, nil
}

// probeBoardIdentity reads mainboard identity, OS-specific.
func probeBoardIdentity() ([]string, error) {
	switch runtime.GOOS {
	case "linux":
		return boardIdentityLinux()
	case "windows":
		return boardIdentityWindows()
	case "darwin":
		return boardIdentityDarwin()
	default:
		return nil, nil
	}
}

// boardIdentityLinux reads the DMI tables exposed by the kernel. Requires
// no privileges for product_uuid on most distros; board_serial may need
// root, in which case it is simply skipped.
func boardIdentityLinux() ([]string, error) {
	candidates := []string{
		"/sys/class/dmi/id/product_uuid",
		"/sys/class/dmi/id/board_serial",
		"/sys/class/dmi/id/product_serial",
	}

	var values []string
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		v := strings.TrimSpace(string(data))
		if v == "" || isDMIPlaceholder(v) {
			continue
		}
		values = append(values, v)
	}
	return values, nil
}

// boardIdentityWindows combines the cryptography MachineGuid with the
// SMBIOS product UUID. Both survive hostname changes and neither can be
// set through the environment.
func boardIdentityWindows() ([]string, error) {
	var values []string
	if out, err := exec.Command("reg", "query",
		`HKLM\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid").Output(); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			fields := strings.Fields(line)
			if len(fields) >= 3 && fields[0] == "MachineGuid" {
				values = append(values, fields[len(fields)-1])
			}
		}
	}
	if out, err := exec.Command("wmic", "csproduct", "get", "uuid").Output(); err == nil {
		values = append(values, parseCommandColumn(string(out), "UUID")...)
	}
	return values, nil
}

// boardIdentityDarwin reads the platform UUID and serial from the IOKit
// registry.
func boardIdentityDarwin() ([]string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return nil, err
	}
	var values []string
	for _, key := range []string{"IOPlatformUUID", "IOPlatformSerialNumber"} {
		if v := ioregValue(string(out), key); v != "" {
			values = append(values, v)
		}
	}
	return values, nil
}

// probeDiskSerials reads block device serial numbers, OS-specific.
func probeDiskSerials() ([]string, error) {
	switch runtime.GOOS {
	case "linux":
		return diskSerialsLinux()
	case "windows":
		return diskSerialsWindows()
	case "darwin":
		return diskSerialsDarwin()
	default:
		return nil, nil
	}
}

func diskSerialsLinux() ([]string, error) {
	entries, err := os.ReadDir("/sys/class/block")
	if err != nil {
		return nil, err
	}

	var serials []string
	for _, entry := range entries {
		name := entry.Name()
		// Partitions carry the parent device's serial; skip them.
		if strings.ContainsAny(name, "0123456789") && (strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "vd")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/sys/class/block", name, "device", "serial"))
		if err != nil {
			continue
		}
		serial := strings.TrimSpace(string(data))
		if serial != "" {
			serials = append(serials, serial)
		}
	}

	sort.Strings(serials)
	return serials, nil
}

func diskSerialsWindows() ([]string, error) {
	out, err := exec.Command("wmic", "diskdrive", "get", "serialnumber").Output()
	if err != nil {
		return nil, err
	}
	serials := parseCommandColumn(string(out), "SerialNumber")
	sort.Strings(serials)
	return serials, nil
}

func diskSerialsDarwin() ([]string, error) {
	out, err := exec.Command("system_profiler", "SPNVMeDataType", "SPSerialATADataType").Output()
	if err != nil {
		return nil, err
	}
	var serials []string
	for _, line := range strings.Split(string(out), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.TrimSpace(key) == "Serial Number" {
			if v := strings.TrimSpace(value); v != "" {
				serials = append(serials, v)
			}
		}
	}
	sort.Strings(serials)
	return serials, nil
}

// probeCPUIdentity extracts a per-unit processor serial where the platform
// exposes one. On Linux that is the ARM "Serial" / s390 "machine id" line
// in cpuinfo; on Windows the SMBIOS ProcessorId. macOS exposes none, so
// there the board and disk probes carry the identity.
func probeCPUIdentity() ([]string, error) {
	switch runtime.GOOS {
	case "linux":
		return cpuIdentityLinux()
	case "windows":
		out, err := exec.Command("wmic", "cpu", "get", "processorid").Output()
		if err != nil {
			return nil, err
		}
		return parseCommandColumn(string(out), "ProcessorId"), nil
	default:
		return nil, nil
	}
}

func cpuIdentityLinux() ([]string, error) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Serial", "serial":
			v := strings.TrimSpace(value)
			if v != "" && strings.Trim(v, "0") != "" {
				return []string{v}, nil
			}
		}
	}

	return nil, nil
}

// parseCommandColumn extracts the value lines from single-column command
// output of the "HEADER\nvalue" form, dropping the header and placeholder
// values.
func parseCommandColumn(out, header string) []string {
	var values []string
	for _, line := range strings.Split(out, "\n") {
		v := strings.TrimSpace(line)
		if v == "" || strings.EqualFold(v, header) || isDMIPlaceholder(v) {
			continue
		}
		values = append(values, v)
	}
	return values
}

// ioregValue pulls a quoted property value out of ioreg output.
func ioregValue(out, key string) string {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, `"`+key+`"`) {
			continue
		}
		if _, after, found := strings.Cut(line, "="); found {
			return strings.Trim(strings.TrimSpace(after), `"`)
		}
	}
	return ""
}

// isDMIPlaceholder filters the well-known junk vendors write into DMI
// fields on boards that were never serialized.
func isDMIPlaceholder(v string) bool {
	switch strings.ToLower(v) {
	case "none", "not specified", "to be filled by o.e.m.", "default string", "system serial number", "0", "unknown":
		return true
	}
	return false
}
