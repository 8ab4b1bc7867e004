// Package odrive provides joint-level I/O for ODrive motor controllers:
// a register map, unit conversions, the transport contract for addressed
// register reads and writes, and the adapter that maps generic joint
// commands and state onto device registers.
package odrive

// Axis requested states (firmware AxisState values).
const (
	AxisStateIdle              int32 = 1
	AxisStateClosedLoopControl int32 = 8
)

// PerAxisOffset is the endpoint address stride between consecutive axes.
const PerAxisOffset uint16 = 300

// Register is the endpoint address of a device value on axis 0. The same
// value on a higher axis lives at a fixed multiple of PerAxisOffset.
type Register uint16

// ForAxis returns the endpoint address of the register on the given axis.
func (r Register) ForAxis(axis int) uint16 {
	return uint16(r) + PerAxisOffset*uint16(axis)
}

// Endpoint addresses used by the adapter, from the firmware 0.5.1
// endpoint table.
const (
	RegRequestedState Register = 142
	RegIqSetpoint     Register = 168
	RegIqMeasured     Register = 170
	RegInputPos       Register = 196
	RegInputVel       Register = 198
	RegPosEstimate    Register = 231
	RegVelEstimate    Register = 233
)

// Command and state interface names declared by joint specifications.
const (
	InterfacePosition = "position"
	InterfaceVelocity = "velocity"
	InterfaceEffort   = "effort"
)
