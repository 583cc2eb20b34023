package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus     = "org.bluez"
	bluezDevice1 = "org.bluez.Device1"
)

// ErrPeerUnknown means BlueZ has no object for the address any more
var ErrPeerUnknown = errors.New("transport: peer unknown to bluez")

// BlueZProbe reads Device1 properties over the system bus
type BlueZProbe struct {
	adapter string

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewBlueZProbe creates a probe for the given HCI adapter (e.g. "hci0")
func NewBlueZProbe(adapter string) *BlueZProbe {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZProbe{adapter: adapter}
}

func (p *BlueZProbe) bus() (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.Connected() {
		return p.conn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	p.conn = conn
	return conn, nil
}

// DevicePath maps AA:BB:CC:DD:EE:FF to /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
func DevicePath(adapter, address string) dbus.ObjectPath {
	dev := "dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapter + "/" + dev)
}

// PeerConnected reports Device1.Connected for address
func (p *BlueZProbe) PeerConnected(address string) (bool, error) {
	conn, err := p.bus()
	if err != nil {
		return false, err
	}

	obj := conn.Object(bluezBus, DevicePath(p.adapter, address))
	v, err := obj.GetProperty(bluezDevice1 + ".Connected")
	if err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return false, ErrPeerUnknown
		}
		return false, fmt.Errorf("bluez: read Connected: %w", err)
	}

	connected, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Connected has type %T", v.Value())
	}
	return connected, nil
}

// DisconnectPeer asks BlueZ to drop the link to address
func (p *BlueZProbe) DisconnectPeer(address string) error {
	conn, err := p.bus()
	if err != nil {
		return err
	}
	call := conn.Object(bluezBus, DevicePath(p.adapter, address)).Call(bluezDevice1+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", address, call.Err)
	}
	return nil
}
