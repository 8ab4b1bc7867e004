package odrive

import "math"

// TorqueConstant relates phase current to shaft torque together with the
// motor's KV rating: torque = current * TorqueConstant / KV.
const TorqueConstant = 8.27

// TurnsToRadians converts device rotations to radians.
func TurnsToRadians(turns float64) float64 {
	return turns * 2 * math.Pi
}

// RadiansToTurns converts radians to device rotations.
func RadiansToTurns(radians float64) float64 {
	return radians / (2 * math.Pi)
}

// CurrentToTorque converts a measured phase current to shaft torque for a
// motor with the given KV rating.
func CurrentToTorque(current float64, kv int) float64 {
	return current * TorqueConstant / float64(kv)
}

// TorqueToCurrent converts a torque setpoint to a phase current setpoint.
func TorqueToCurrent(torque float64, kv int) float64 {
	return torque / TorqueConstant * float64(kv)
}
