package device

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/vishvananda/netlink"

	"github.com/user/glasslink/logger"
)

const (
	DefaultWifiInterface = "wlan0"
	hotspotConnection    = "Hotspot"
	nmcliTimeout         = 30 * time.Second
)

// Network controls wifi through NetworkManager and reads link state from netlink
type Network struct {
	iface string

	mu       sync.Mutex
	apActive bool

	run        runner
	linkByName func(name string) (netlink.Link, error)
	addrList   func(link netlink.Link, family int) ([]netlink.Addr, error)
	subscribe  func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error
}

func NewNetwork(iface string) *Network {
	if iface == "" {
		iface = DefaultWifiInterface
	}
	return &Network{
		iface:      iface,
		run:        runExec,
		linkByName: netlink.LinkByName,
		addrList:   netlink.AddrList,
		subscribe:  netlink.LinkSubscribe,
	}
}

func (n *Network) nmcli(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), nmcliTimeout)
	defer cancel()

	out, err := n.run(ctx, append([]string{"nmcli"}, args...))
	if err != nil {
		return "", fmt.Errorf("nmcli %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (n *Network) ConnectToWifi(ssid, password string) error {
	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", n.iface)

	if _, err := n.nmcli(args...); err != nil {
		return err
	}
	logger.Info("network", "Joined %s on %s", ssid, n.iface)
	return nil
}

// ScanWifiNetworks rescans and returns visible SSIDs, strongest first, without duplicates
func (n *Network) ScanWifiNetworks() ([]string, error) {
	out, err := n.nmcli("-t", "-f", "SSID", "device", "wifi", "list", "ifname", n.iface, "--rescan", "yes")
	if err != nil {
		return nil, err
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	networks := []string{}
	for _, line := range strings.Split(out, "\n") {
		ssid := unescapeTerse(strings.TrimSpace(line))
		if ssid == "" || seen.Contains(ssid) {
			continue
		}
		seen.Add(ssid)
		networks = append(networks, ssid)
	}
	return networks, nil
}

// IsWifiConnected reports an up interface holding an IPv4 address
func (n *Network) IsWifiConnected() bool {
	link, err := n.linkByName(n.iface)
	if err != nil || link.Attrs().Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := n.addrList(link, netlink.FAMILY_V4)
	return err == nil && len(addrs) > 0
}

func (n *Network) CurrentSSID() string {
	out, err := n.nmcli("-t", "-f", "ACTIVE,SSID", "device", "wifi", "list", "ifname", n.iface)
	if err != nil {
		logger.Debug("network", "SSID lookup failed: %v", err)
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "yes:"); ok {
			return unescapeTerse(rest)
		}
	}
	return ""
}

func (n *Network) StartAccessPoint(ssid, password string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.nmcli("device", "wifi", "hotspot", "ifname", n.iface, "con-name", hotspotConnection,
		"ssid", ssid, "password", password); err != nil {
		return err
	}
	n.apActive = true
	logger.Info("network", "Access point %q up on %s", ssid, n.iface)
	return nil
}

func (n *Network) StopAccessPoint() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.apActive {
		return nil
	}
	if _, err := n.nmcli("connection", "down", hotspotConnection); err != nil {
		return err
	}
	n.apActive = false
	logger.Info("network", "Access point down")
	return nil
}

// AccessPointActive reports whether this controller started the hotspot
func (n *Network) AccessPointActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.apActive
}

// Watch calls fn whenever the wifi connectivity of the interface flips,
// until ctx is done.
func (n *Network) Watch(ctx context.Context, fn func(connected bool)) error {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	if err := n.subscribe(updates, done); err != nil {
		close(done)
		return fmt.Errorf("network: link subscribe: %w", err)
	}

	last := n.IsWifiConnected()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Link == nil || update.Link.Attrs().Name != n.iface {
					continue
				}
				connected := n.IsWifiConnected()
				if connected == last {
					continue
				}
				last = connected
				logger.Info("network", "%s connected=%v", n.iface, connected)
				fn(connected)
			}
		}
	}()
	return nil
}

// unescapeTerse undoes nmcli's terse-mode escaping of ':' and '\'
func unescapeTerse(s string) string {
	return strings.NewReplacer(`\:`, ":", `\\`, `\`).Replace(s)
}
