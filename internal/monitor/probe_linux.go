package monitor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LinuxProbe reads interface and routing state directly out of procfs —
// no pack library parses procfs, so this is necessarily stdlib
// (bufio/os/strings); see DESIGN.md for why no third-party dependency
// could serve this concern.
type LinuxProbe struct{}

func (LinuxProbe) InterfaceStats() ([]InterfaceStat, error) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return nil, fmt.Errorf("monitor: opening /proc/net/dev: %w", err)
	}
	defer f.Close()

	var out []InterfaceStat
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines
		}
		line := sc.Text()
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		fields := strings.Fields(line[colon+1:])
		if len(fields) < 9 {
			continue
		}
		rx, _ := strconv.ParseUint(fields[0], 10, 64)
		tx, _ := strconv.ParseUint(fields[8], 10, 64)
		out = append(out, InterfaceStat{Name: name, RxBytes: rx, TxBytes: tx})
	}
	return out, sc.Err()
}

func (LinuxProbe) DefaultRoute() (string, string, bool, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return "", "", false, fmt.Errorf("monitor: opening /proc/net/route: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo == 1 {
			continue // header
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		iface, destHex, gatewayHex := fields[0], fields[1], fields[2]
		if destHex != "00000000" {
			continue // not the default route
		}
		gw, err := hexLEToDottedIP(gatewayHex)
		if err != nil {
			continue
		}
		return iface, gw, true, nil
	}
	return "", "", false, sc.Err()
}

func (LinuxProbe) ResolveGatewayMAC(ip string) (string, error) {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return "", fmt.Errorf("monitor: opening /proc/net/arp: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo == 1 {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[0] == ip {
			return fields[3], nil
		}
	}
	return "", fmt.Errorf("monitor: no ARP entry for %s", ip)
}

func (LinuxProbe) IsWireless(iface string) bool {
	_, err := os.Stat("/sys/class/net/" + iface + "/wireless")
	return err == nil
}

func (LinuxProbe) SSID(iface string) (string, error) {
	// The canonical source is a netlink nl80211 query; lacking that
	// dependency here, fall back to the iw-compatible sysfs path some
	// drivers expose. Most drivers don't, so this commonly errors and
	// callers should treat SSID as best-effort.
	b, err := os.ReadFile("/sys/class/net/" + iface + "/device/uevent")
	if err != nil {
		return "", fmt.Errorf("monitor: reading SSID for %s: %w", iface, err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "SSID=") {
			return strings.TrimPrefix(line, "SSID="), nil
		}
	}
	return "", fmt.Errorf("monitor: no SSID reported for %s", iface)
}

// hexLEToDottedIP converts a little-endian hex-encoded IPv4 address (as
// /proc/net/route encodes it) to dotted-quad form.
func hexLEToDottedIP(hexStr string) (string, error) {
	if len(hexStr) != 8 {
		return "", fmt.Errorf("monitor: malformed route address %q", hexStr)
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return "", err
		}
		b[3-i] = byte(v)
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3]), nil
}
