package odrive

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestAngularConversions(t *testing.T) {
	test.That(t, TurnsToRadians(1), test.ShouldAlmostEqual, 2*math.Pi, 1e-12)
	test.That(t, TurnsToRadians(0.5), test.ShouldAlmostEqual, math.Pi, 1e-12)
	test.That(t, TurnsToRadians(-0.25), test.ShouldAlmostEqual, -math.Pi/2, 1e-12)
	test.That(t, RadiansToTurns(2*math.Pi), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, RadiansToTurns(TurnsToRadians(3.7)), test.ShouldAlmostEqual, 3.7, 1e-12)
}

func TestTorqueConversions(t *testing.T) {
	// 8.27 Nm per amp at KV 1, scaled down by the motor's KV rating.
	test.That(t, CurrentToTorque(1, 100), test.ShouldAlmostEqual, 0.0827, 1e-9)
	test.That(t, CurrentToTorque(2, 100), test.ShouldAlmostEqual, 0.1654, 1e-9)
	test.That(t, CurrentToTorque(-1.5, 270), test.ShouldAlmostEqual, -1.5*8.27/270, 1e-9)
	test.That(t, TorqueToCurrent(0.0827, 100), test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, TorqueToCurrent(CurrentToTorque(4.2, 150), 150), test.ShouldAlmostEqual, 4.2, 1e-9)
}

func TestRegisterForAxis(t *testing.T) {
	test.That(t, RegRequestedState.ForAxis(0), test.ShouldEqual, uint16(142))
	test.That(t, RegRequestedState.ForAxis(1), test.ShouldEqual, uint16(442))
	test.That(t, RegPosEstimate.ForAxis(2), test.ShouldEqual, uint16(231+2*300))
}
