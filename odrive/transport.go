package odrive

import "errors"

// ErrNotConnected is returned when register I/O is attempted on a
// transport whose session has not been established.
var ErrNotConnected = errors.New("transport not connected")

// Transport performs single-shot reads and writes of addressed device
// registers over the physical link. An adapter owns its transport
// exclusively for its entire lifetime.
type Transport interface {
	// Init establishes the device session. It must succeed before any
	// register I/O is attempted.
	Init() error

	// ReadFloat reads the float register at the given endpoint address.
	ReadFloat(addr uint16) (float32, error)

	// WriteFloat writes a float register.
	WriteFloat(addr uint16, val float32) error

	// WriteInt writes an int32 register.
	WriteInt(addr uint16, val int32) error

	// Close releases the device session.
	Close() error
}
