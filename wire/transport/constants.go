package transport

import "time"

// MTU limits - BLE starts at a small default MTU
const (
	DefaultMTU = 23  // BLE 4.0 default: 23 bytes total, 20 bytes data + 3 byte ATT header
	MaxMTU     = 512 // phones negotiate up to 512

	attHeaderLen = 3 // opcode (1) + handle (2)
)

// DefaultPayloadSize is the usable notification size before MTU negotiation
var DefaultPayloadSize = EffectivePayload(DefaultMTU)

// GATT identifiers used by the glasses firmware
const (
	ServiceUUID    = "00004860-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "000070ff-0000-1000-8000-00805f9b34fb" // glasses -> phone
	WriteCharUUID  = "000071ff-0000-1000-8000-00805f9b34fb" // phone -> glasses
)

// Serial defaults for the MCU UART link
const (
	DefaultBaudRate       = 115200
	serialReadBuffer      = 4096
	serialMaxPayload      = 4096
	serialReopenBaseDelay = 500 * time.Millisecond
)

// EffectivePayload returns the bytes available to a notification for a given MTU
func EffectivePayload(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	return mtu - attHeaderLen
}
