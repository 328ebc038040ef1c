package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/infra/config"
)

const dnsmasqDomainFile = "/etc/NetworkManager/dnsmasq-shared.d/usdx.conf"

// setupNetwork brings up the hotspot and the forwarding rules that let
// phones on the hotspot reach both the server and the internet. Every step
// is skipped when its configuration is empty. Returns the hotspot IP, or
// an empty string when no hotspot device is configured.
func setupNetwork(cfg *config.Config) (string, error) {
	if cfg.Network.HotspotDevice != "" && cfg.Network.InternetDevice != "" {
		if err := enableForwarding(cfg.Network.HotspotDevice, cfg.Network.InternetDevice); err != nil {
			return "", err
		}
	}

	if cfg.Network.StartHotspot != "" {
		if err := runCommand("nmcli", "c", "up", cfg.Network.StartHotspot); err != nil {
			return "", fmt.Errorf("failed to start hotspot %q: %w", cfg.Network.StartHotspot, err)
		}
	}

	var hotspotIP string
	if cfg.Network.HotspotDevice != "" {
		ip, err := waitForDeviceIP(cfg.Network.HotspotDevice, 30*time.Second)
		if err != nil {
			return "", err
		}
		hotspotIP = ip
		zlog.Info().Msgf("hotspot up: device=%s, ip=%s", cfg.Network.HotspotDevice, hotspotIP)
	}

	if cfg.Server.Domain != "localhost" && hotspotIP != "" {
		if err := publishDomain(cfg.Server.Domain, hotspotIP); err != nil {
			return "", err
		}
	}

	return hotspotIP, nil
}

// enableForwarding installs NAT and FORWARD rules between the hotspot and
// internet interfaces. Each rule is checked with -C first so repeated boots
// never stack duplicates.
func enableForwarding(hotspotDev, internetDev string) error {
	rules := [][]string{
		{"-t", "nat", "POSTROUTING", "-o", internetDev, "-j", "MASQUERADE"},
		{"-t", "filter", "FORWARD", "-i", hotspotDev, "-o", internetDev, "-j", "ACCEPT"},
		{"-t", "filter", "FORWARD", "-i", internetDev, "-o", hotspotDev, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
	for _, rule := range rules {
		table, chain, spec := rule[1], rule[2], rule[3:]
		check := append([]string{"-t", table, "-C", chain}, spec...)
		if exec.Command("iptables", check...).Run() == nil {
			continue
		}
		add := append([]string{"-t", table, "-A", chain}, spec...)
		if err := runCommand("iptables", add...); err != nil {
			return fmt.Errorf("failed to install forwarding rule: %w", err)
		}
	}
	return nil
}

// remapSSLPort redirects incoming port 443 on the hotspot address to the
// actual listen port, so phones can use plain https:// URLs.
func remapSSLPort(hotspotIP string, port int) error {
	spec := []string{
		"PREROUTING", "-d", hotspotIP, "-p", "tcp", "--dport", "443",
		"-j", "REDIRECT", "--to-port", strconv.Itoa(port),
	}
	check := append([]string{"-t", "nat", "-C"}, spec...)
	if exec.Command("iptables", check...).Run() == nil {
		return nil
	}
	add := append([]string{"-t", "nat", "-A"}, spec...)
	return runCommand("iptables", add...)
}

// waitForDeviceIP polls until the interface has an IPv4 address. NetworkManager
// assigns the hotspot address asynchronously after nmcli returns.
func waitForDeviceIP(device string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if ip := deviceIPv4(device); ip != "" {
			return ip, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("device %q got no IPv4 address within %s", device, timeout)
		}
		time.Sleep(time.Second)
	}
}

func deviceIPv4(device string) string {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return ""
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// publishDomain makes the configured domain resolve to the hotspot address
// for hotspot clients, via NetworkManager's shared dnsmasq instance.
func publishDomain(domain, ip string) error {
	line := fmt.Sprintf("address=/%s/%s\n", domain, ip)
	if current, err := os.ReadFile(dnsmasqDomainFile); err == nil && string(current) == line {
		return nil
	}
	if err := os.WriteFile(dnsmasqDomainFile, []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to write dnsmasq domain file: %w", err)
	}
	if err := runCommand("systemctl", "restart", "NetworkManager"); err != nil {
		return fmt.Errorf("failed to restart NetworkManager: %w", err)
	}
	return nil
}

// startGame launches the game binary detached from the server process.
func startGame(cfg *config.Config) {
	binary := filepath.Join(cfg.Game.Dir, "ultrastardx")
	cmd := exec.Command(binary)
	cmd.Dir = cfg.Game.Dir
	if err := cmd.Start(); err != nil {
		zlog.Error().Msgf("Failed to start game: binary=%s, error=%v", binary, err)
		return
	}
	zlog.Info().Msgf("Game started: binary=%s, pid=%d", binary, cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			zlog.Warn().Msgf("Game exited: error=%v", err)
		}
	}()
}

func runCommand(name string, args ...string) error {
	zlog.Debug().Msgf("exec: %s %s", name, strings.Join(args, " "))
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
