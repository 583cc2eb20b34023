package transport

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/glasslink/logger"
)

// Probe checks link-layer reachability of a peer by address
type Probe interface {
	PeerConnected(address string) (bool, error)
}

// BLE exposes the glasses as a GATT peripheral: the phone writes commands to
// the write characteristic and receives frames as notifications.
type BLE struct {
	adapter   *bluetooth.Adapter
	localName string
	probe     Probe

	// assumedMTU is reported after connect when the stack cannot tell us the
	// negotiated value. Zero leaves the session to its handshake timeout.
	assumedMTU int

	mu          sync.Mutex
	handler     Handler
	ready       bool
	adv         *bluetooth.Advertisement
	notify      bluetooth.Characteristic
	connected   bool
	peer        string
	payloadSize int
	closed      bool
	writeMu     sync.Mutex
}

// BLEOptions configures NewBLE
type BLEOptions struct {
	LocalName  string
	Probe      Probe
	AssumedMTU int
}

// NewBLE creates a peripheral transport on the default adapter
func NewBLE(opts BLEOptions) *BLE {
	return &BLE{
		adapter:     bluetooth.DefaultAdapter,
		localName:   opts.LocalName,
		probe:       opts.Probe,
		assumedMTU:  opts.AssumedMTU,
		handler:     nopHandler{},
		payloadSize: DefaultPayloadSize,
	}
}

func (b *BLE) Name() string { return "ble" }

func (b *BLE) Bind(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		h = nopHandler{}
	}
	b.handler = h
}

// setup enables the adapter and registers the GATT service once
func (b *BLE) setup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}

	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	b.adapter.SetConnectHandler(b.onConnect)

	svc, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: service uuid: %w", err)
	}
	notifyUUID, err := bluetooth.ParseUUID(NotifyCharUUID)
	if err != nil {
		return fmt.Errorf("ble: notify uuid: %w", err)
	}
	writeUUID, err := bluetooth.ParseUUID(WriteCharUUID)
	if err != nil {
		return fmt.Errorf("ble: write uuid: %w", err)
	}

	err = b.adapter.AddService(&bluetooth.Service{
		UUID: svc,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &b.notify,
				UUID:   notifyUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
			{
				UUID: writeUUID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: b.onWrite,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	b.adv = b.adapter.DefaultAdvertisement()
	err = b.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    b.localName,
		ServiceUUIDs: []bluetooth.UUID{svc},
	})
	if err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}

	b.ready = true
	return nil
}

func (b *BLE) onConnect(device bluetooth.Device, connected bool) {
	b.mu.Lock()
	was := b.connected
	b.connected = connected
	if connected {
		b.peer = device.Address.String()
		b.payloadSize = DefaultPayloadSize
	}
	h := b.handler
	assumed := b.assumedMTU
	b.mu.Unlock()

	if connected == was {
		return
	}
	logger.Info("ble", "Peer %s connected=%v", device.Address.String(), connected)
	h.OnConnectionStateChanged(connected)

	if connected && assumed > 0 {
		size := EffectivePayload(assumed)
		b.mu.Lock()
		b.payloadSize = size
		b.mu.Unlock()
		h.OnSizeNegotiated(size)
	}
}

func (b *BLE) onWrite(client bluetooth.Connection, offset int, value []byte) {
	if len(value) == 0 {
		return
	}
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()

	data := make([]byte, len(value))
	copy(data, value)
	h.OnBytesReceived(data)
}

func (b *BLE) StartAdvertising() error {
	if err := b.setup(); err != nil {
		return err
	}
	b.mu.Lock()
	adv := b.adv
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	logger.Info("ble", "Advertising as %q", b.localName)
	return nil
}

func (b *BLE) StopAdvertising() error {
	b.mu.Lock()
	adv := b.adv
	b.mu.Unlock()
	if adv == nil {
		return nil
	}
	return adv.Stop()
}

// Send notifies the frame in payload-sized chunks
func (b *BLE) Send(data []byte) bool {
	b.mu.Lock()
	connected := b.connected
	size := b.payloadSize
	b.mu.Unlock()
	if !connected {
		return false
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	for _, chunk := range Chunk(data, size) {
		if _, err := b.notify.Write(chunk); err != nil {
			logger.Warn("ble", "Notify failed: %v", err)
			return false
		}
	}
	return true
}

// IsConnected asks the probe whether the stack still has the peer. Probe
// errors other than an unknown device are treated as reachable.
func (b *BLE) IsConnected() bool {
	b.mu.Lock()
	connected := b.connected
	peer := b.peer
	probe := b.probe
	b.mu.Unlock()

	if !connected {
		return false
	}
	if probe == nil || peer == "" {
		return true
	}
	ok, err := probe.PeerConnected(peer)
	if err != nil {
		if errors.Is(err, ErrPeerUnknown) {
			return false
		}
		logger.Debug("ble", "Probe for %s failed: %v", peer, err)
		return true
	}
	return ok
}

// peerDisconnecter is implemented by probes that can drop a link
type peerDisconnecter interface {
	DisconnectPeer(address string) error
}

// Disconnect forgets the peer and, when the probe supports it, asks the
// stack to drop the link. The peripheral API itself cannot drop a central.
func (b *BLE) Disconnect() error {
	b.mu.Lock()
	peer := b.peer
	probe := b.probe
	b.connected = false
	b.peer = ""
	b.mu.Unlock()

	if d, ok := probe.(peerDisconnecter); ok && peer != "" {
		return d.DisconnectPeer(peer)
	}
	return nil
}

func (b *BLE) Close() error {
	b.mu.Lock()
	b.closed = true
	b.connected = false
	b.mu.Unlock()
	return b.StopAdvertising()
}
