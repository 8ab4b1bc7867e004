package odrive

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// USB device identity and native protocol channel.
const (
	usbVendorID  = 0x1209
	usbProductID = 0x0d32

	nativeInterface = 2
	nativeEndpoint  = 3

	ioTimeout = 100 * time.Millisecond
)

// endpointTableCRC is the checksum of the firmware 0.5.1 endpoint table,
// carried on every request so a controller running mismatched firmware
// rejects the exchange instead of misinterpreting it.
const endpointTableCRC uint16 = 0x9b40

// USBTransport is a Transport over the ODrive native USB protocol. The
// mutex keeps each request/response exchange atomic; there is no other
// shared state.
type USBTransport struct {
	serial string

	mu   sync.Mutex
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
	seq  uint16
}

// NewUSBTransport returns an unconnected transport. serial optionally pins
// the transport to one controller when more than one is attached; empty
// matches the first ODrive found.
func NewUSBTransport(serial string) *USBTransport {
	return &USBTransport{serial: serial}
}

// Init opens the device and claims the native protocol interface.
func (t *USBTransport) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intf != nil {
		return nil
	}

	ctx := gousb.NewContext()
	dev, err := openDevice(ctx, t.serial)
	if err != nil {
		ctx.Close()
		return err
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return errors.Wrap(err, "detaching kernel driver")
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return errors.Wrap(err, "selecting configuration")
	}

	intf, err := cfg.Interface(nativeInterface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return errors.Wrap(err, "claiming native protocol interface")
	}

	out, err := intf.OutEndpoint(nativeEndpoint)
	if err == nil {
		t.in, err = intf.InEndpoint(nativeEndpoint)
	}
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return errors.Wrap(err, "opening bulk endpoints")
	}

	t.ctx = ctx
	t.dev = dev
	t.cfg = cfg
	t.intf = intf
	t.out = out
	return nil
}

func openDevice(ctx *gousb.Context, serial string) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(usbVendorID) && desc.Product == gousb.ID(usbProductID)
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, errors.Wrap(err, "opening ODrive device")
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if serial == "" {
			dev = d
			continue
		}
		sn, snErr := d.SerialNumber()
		if snErr == nil && sn == serial {
			dev = d
		} else {
			d.Close()
		}
	}

	if dev == nil {
		if serial == "" {
			return nil, errors.New("no ODrive attached")
		}
		return nil, errors.Errorf("no ODrive with serial %q attached", serial)
	}
	return dev, nil
}

// ReadFloat reads a float register with a single request/response exchange.
func (t *USBTransport) ReadFloat(addr uint16) (float32, error) {
	resp, err := t.roundTrip(addr, nil, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(resp)), nil
}

// WriteFloat writes a float register. Writes are fire-and-forget; only the
// bulk transfer status is reported.
func (t *USBTransport) WriteFloat(addr uint16, val float32) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], math.Float32bits(val))
	_, err := t.roundTrip(addr, payload[:], 0)
	return err
}

// WriteInt writes an int32 register.
func (t *USBTransport) WriteInt(addr uint16, val int32) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], uint32(val))
	_, err := t.roundTrip(addr, payload[:], 0)
	return err
}

func (t *USBTransport) roundTrip(addr uint16, payload []byte, respLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intf == nil {
		return nil, ErrNotConnected
	}

	t.seq = (t.seq + 1) & 0x7fff
	seq := t.seq | 0x8000
	if respLen > 0 {
		addr |= 0x8000
	}

	if _, err := t.out.Write(encodeRequest(seq, addr, payload, uint16(respLen))); err != nil {
		return nil, errors.Wrapf(err, "writing request for endpoint 0x%04x", addr&0x7fff)
	}
	if respLen == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	buf := make([]byte, respLen+2)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response for endpoint 0x%04x", addr&0x7fff)
	}
	return decodeResponse(buf[:n], seq, respLen)
}

// encodeRequest frames a native protocol request: sequence number,
// endpoint address, expected response size, payload, and the endpoint
// table checksum, all little-endian.
func encodeRequest(seq, addr uint16, payload []byte, respLen uint16) []byte {
	buf := make([]byte, 0, 8+len(payload))
	buf = binary.LittleEndian.AppendUint16(buf, seq)
	buf = binary.LittleEndian.AppendUint16(buf, addr)
	buf = binary.LittleEndian.AppendUint16(buf, respLen)
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint16(buf, endpointTableCRC)
	return buf
}

// decodeResponse strips and checks the echoed sequence number.
func decodeResponse(buf []byte, seq uint16, respLen int) ([]byte, error) {
	if len(buf) < 2 {
		return nil, errors.Errorf("response truncated: %d bytes", len(buf))
	}
	if got := binary.LittleEndian.Uint16(buf[:2]); got != seq {
		return nil, errors.Errorf("response sequence mismatch: sent 0x%04x, got 0x%04x", seq, got)
	}
	if len(buf)-2 < respLen {
		return nil, errors.Errorf("short response: %d payload bytes, expected %d", len(buf)-2, respLen)
	}
	return buf[2 : 2+respLen], nil
}

// Close releases the interface and the device session.
func (t *USBTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
		t.out = nil
		t.in = nil
	}

	var err error
	if t.cfg != nil {
		err = t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		if cerr := t.dev.Close(); err == nil {
			err = cerr
		}
		t.dev = nil
	}
	if t.ctx != nil {
		if cerr := t.ctx.Close(); err == nil {
			err = cerr
		}
		t.ctx = nil
	}
	return err
}
