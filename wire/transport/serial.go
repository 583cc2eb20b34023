package transport

import (
	"fmt"
	"os"
	"sync"

	"go.bug.st/serial"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/reconnect"
)

// Serial carries frames over the UART between the main SoC and the BLE MCU.
// Opening the port stands in for a peer connecting; losing it is a disconnect.
type Serial struct {
	portPath string
	baudRate int

	mu          sync.Mutex
	handler     Handler
	port        serial.Port
	advertising bool
	closed      bool
	writeMu     sync.Mutex

	reopen *reconnect.Controller
	open   func(path string, mode *serial.Mode) (serial.Port, error)
}

// NewSerial creates a UART transport. Failed opens are retried with backoff.
func NewSerial(portPath string, baudRate int, retry reconnect.Config) *Serial {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = serialReopenBaseDelay
	}
	s := &Serial{
		portPath: portPath,
		baudRate: baudRate,
		handler:  nopHandler{},
		open:     serial.Open,
	}
	s.reopen = reconnect.New("serial", retry, func(int) { s.tryOpen() })
	s.reopen.OnPermanentFailure(func(err error) {
		logger.Error("serial", "Giving up on %s: %v", s.portPath, err)
	})
	return s
}

func (s *Serial) Name() string { return "serial:" + s.portPath }

func (s *Serial) Bind(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		h = nopHandler{}
	}
	s.handler = h
}

// StartAdvertising opens the port. An open failure is returned and retried in the background.
func (s *Serial) StartAdvertising() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.advertising = true
	already := s.port != nil
	s.mu.Unlock()

	if already {
		return nil
	}
	s.reopen.Reset()
	if err := s.tryOpen(); err != nil {
		s.reopen.OnDisconnect(false)
		return err
	}
	return nil
}

func (s *Serial) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertising = false
	s.reopen.Cancel()
	return nil
}

func (s *Serial) tryOpen() error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.open(s.portPath, mode)
	if err != nil {
		s.reopen.OnReconnectOutcome(false)
		return fmt.Errorf("serial: open %s: %w", s.portPath, err)
	}

	s.mu.Lock()
	if s.closed || !s.advertising {
		s.mu.Unlock()
		port.Close()
		return ErrClosed
	}
	s.port = port
	h := s.handler
	s.mu.Unlock()

	s.reopen.OnReconnectOutcome(true)
	logger.Info("serial", "Opened %s at %d baud", s.portPath, s.baudRate)

	go s.readLoop(port)
	h.OnConnectionStateChanged(true)
	h.OnSizeNegotiated(serialMaxPayload)
	return nil
}

func (s *Serial) readLoop(port serial.Port) {
	buf := make([]byte, serialReadBuffer)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			h.OnBytesReceived(data)
		}
		if err != nil {
			s.lost(port, err)
			return
		}
	}
}

func (s *Serial) lost(port serial.Port, err error) {
	s.mu.Lock()
	if s.port != port {
		// closed deliberately
		s.mu.Unlock()
		return
	}
	s.port = nil
	h := s.handler
	s.mu.Unlock()

	port.Close()
	logger.Warn("serial", "Lost %s: %v", s.portPath, err)
	h.OnConnectionStateChanged(false)
}

func (s *Serial) Send(data []byte) bool {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := port.Write(data)
	if err != nil || n != len(data) {
		logger.Warn("serial", "Write failed (%d/%d bytes): %v", n, len(data), err)
		return false
	}
	return true
}

// IsConnected checks that the port is open and the device node still exists.
// A USB adapter that vanished leaves an open descriptor with no device behind it.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	open := s.port != nil
	s.mu.Unlock()
	if !open {
		return false
	}
	_, err := os.Stat(s.portPath)
	return err == nil
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

func (s *Serial) Close() error {
	s.mu.Lock()
	s.closed = true
	s.advertising = false
	s.mu.Unlock()
	s.reopen.Cancel()
	return s.Disconnect()
}
