package odrive

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

var errFault = errors.New("pipe error")

func velocityJoint(name string, axis, kv int) JointSpec {
	return JointSpec{
		Name:              name,
		CommandInterfaces: []string{InterfaceVelocity, InterfacePosition, InterfaceEffort},
		StateInterfaces:   []string{InterfacePosition, InterfaceVelocity, InterfaceEffort},
		Parameters: map[string]string{
			"axis": fmt.Sprintf("%d", axis),
			"KV":   fmt.Sprintf("%d", kv),
		},
	}
}

func positionJoint(name string, axis, kv int) JointSpec {
	j := velocityJoint(name, axis, kv)
	j.CommandInterfaces = []string{InterfacePosition, InterfaceVelocity, InterfaceEffort}
	return j
}

func effortJoint(name string, axis, kv int) JointSpec {
	j := velocityJoint(name, axis, kv)
	j.CommandInterfaces = []string{InterfaceEffort, InterfaceVelocity, InterfacePosition}
	return j
}

func newConfigured(t *testing.T, joints ...JointSpec) (*Adapter, *FakeTransport) {
	t.Helper()
	transport := NewFakeTransport()
	adapter := NewAdapter(transport, logging.NewTestLogger(t))
	test.That(t, adapter.Configure(joints), test.ShouldBeNil)
	return adapter, transport
}

func TestConfigure(t *testing.T) {
	adapter, transport := newConfigured(t,
		velocityJoint("joint0", 0, 100),
		positionJoint("joint1", 1, 200),
	)

	test.That(t, transport.Initialized, test.ShouldBeTrue)
	test.That(t, adapter.NumJoints(), test.ShouldEqual, 2)
	test.That(t, adapter.JointName(0), test.ShouldEqual, "joint0")
	test.That(t, adapter.Mode(0), test.ShouldEqual, ModeVelocity)
	test.That(t, adapter.Mode(1), test.ShouldEqual, ModePosition)

	for i := 0; i < adapter.NumJoints(); i++ {
		test.That(t, math.IsNaN(adapter.Position(i)), test.ShouldBeTrue)
		test.That(t, math.IsNaN(adapter.Velocity(i)), test.ShouldBeTrue)
		test.That(t, math.IsNaN(adapter.Effort(i)), test.ShouldBeTrue)
		test.That(t, adapter.CommandPosition(i), test.ShouldEqual, 0)
		test.That(t, adapter.CommandVelocity(i), test.ShouldEqual, 0)
		test.That(t, adapter.CommandEffort(i), test.ShouldEqual, 0)
	}

	// Configure performs no register I/O.
	test.That(t, transport.Writes, test.ShouldHaveLength, 0)
	test.That(t, transport.Reads, test.ShouldHaveLength, 0)
}

func TestConfigureInterfaceCount(t *testing.T) {
	adapter := NewAdapter(NewFakeTransport(), logging.NewTestLogger(t))

	joint := velocityJoint("joint0", 0, 100)
	joint.CommandInterfaces = joint.CommandInterfaces[:2]
	err := adapter.Configure([]JointSpec{joint})
	test.That(t, errors.Is(err, ErrInterfaceCount), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "2 command interfaces")

	joint = velocityJoint("joint0", 0, 100)
	joint.StateInterfaces = append(joint.StateInterfaces, InterfaceEffort)
	err = adapter.Configure([]JointSpec{joint})
	test.That(t, errors.Is(err, ErrInterfaceCount), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "4 state interfaces")
}

func TestConfigureInterfaceKind(t *testing.T) {
	adapter := NewAdapter(NewFakeTransport(), logging.NewTestLogger(t))

	joint := velocityJoint("joint0", 0, 100)
	joint.CommandInterfaces = []string{"acceleration", InterfacePosition, InterfaceEffort}
	err := adapter.Configure([]JointSpec{joint})
	test.That(t, errors.Is(err, ErrInterfaceKind), test.ShouldBeTrue)

	joint = velocityJoint("joint0", 0, 100)
	joint.StateInterfaces = []string{"temperature", InterfaceVelocity, InterfaceEffort}
	err = adapter.Configure([]JointSpec{joint})
	test.That(t, errors.Is(err, ErrInterfaceKind), test.ShouldBeTrue)
}

func TestConfigureParameters(t *testing.T) {
	adapter := NewAdapter(NewFakeTransport(), logging.NewTestLogger(t))

	joint := velocityJoint("joint0", 0, 100)
	delete(joint.Parameters, "axis")
	err := adapter.Configure([]JointSpec{joint})
	test.That(t, errors.Is(err, ErrParameter), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, `missing parameter "axis"`)

	joint = velocityJoint("joint0", 0, 100)
	joint.Parameters["KV"] = "fast"
	err = adapter.Configure([]JointSpec{joint})
	test.That(t, errors.Is(err, ErrParameter), test.ShouldBeTrue)
}

func TestConfigureTransportInit(t *testing.T) {
	transport := NewFakeTransport()
	transport.InitErr = errFault
	adapter := NewAdapter(transport, logging.NewTestLogger(t))

	err := adapter.Configure([]JointSpec{velocityJoint("joint0", 0, 100)})
	test.That(t, errors.Is(err, errFault), test.ShouldBeTrue)

	// The adapter never became usable.
	test.That(t, errors.Is(adapter.Read(), ErrNotConfigured), test.ShouldBeTrue)
}

func TestLifecycleBeforeConfigure(t *testing.T) {
	adapter := NewAdapter(NewFakeTransport(), logging.NewTestLogger(t))
	test.That(t, errors.Is(adapter.Start(), ErrNotConfigured), test.ShouldBeTrue)
	test.That(t, errors.Is(adapter.Stop(), ErrNotConfigured), test.ShouldBeTrue)
	test.That(t, errors.Is(adapter.Read(), ErrNotConfigured), test.ShouldBeTrue)
	test.That(t, errors.Is(adapter.Write(), ErrNotConfigured), test.ShouldBeTrue)
}

func TestStartStop(t *testing.T) {
	adapter, transport := newConfigured(t,
		velocityJoint("joint0", 0, 100),
		velocityJoint("joint1", 1, 100),
	)

	test.That(t, adapter.Start(), test.ShouldBeNil)
	test.That(t, transport.Writes, test.ShouldResemble, []FakeWrite{
		{Addr: RegRequestedState.ForAxis(0), IntVal: AxisStateClosedLoopControl},
		{Addr: RegRequestedState.ForAxis(1), IntVal: AxisStateClosedLoopControl},
	})

	transport.Writes = nil
	test.That(t, adapter.Stop(), test.ShouldBeNil)
	test.That(t, transport.Writes, test.ShouldResemble, []FakeWrite{
		{Addr: RegRequestedState.ForAxis(0), IntVal: AxisStateIdle},
		{Addr: RegRequestedState.ForAxis(1), IntVal: AxisStateIdle},
	})
}

func TestStartPartialFailure(t *testing.T) {
	adapter, transport := newConfigured(t,
		velocityJoint("joint0", 0, 100),
		velocityJoint("joint1", 1, 100),
	)
	transport.WriteErrs[RegRequestedState.ForAxis(1)] = errFault

	err := adapter.Start()
	test.That(t, errors.Is(err, errFault), test.ShouldBeTrue)

	// No rollback: axis 0 was already switched and stays that way.
	test.That(t, transport.Writes, test.ShouldResemble, []FakeWrite{
		{Addr: RegRequestedState.ForAxis(0), IntVal: AxisStateClosedLoopControl},
	})
}

func TestRead(t *testing.T) {
	adapter, transport := newConfigured(t, velocityJoint("joint0", 0, 100))
	transport.Registers[RegIqMeasured.ForAxis(0)] = 2.0
	transport.Registers[RegVelEstimate.ForAxis(0)] = 0.5
	transport.Registers[RegPosEstimate.ForAxis(0)] = 1.0

	test.That(t, adapter.Read(), test.ShouldBeNil)
	test.That(t, adapter.Effort(0), test.ShouldAlmostEqual, 2.0*TorqueConstant/100, 1e-9)
	test.That(t, adapter.Velocity(0), test.ShouldAlmostEqual, math.Pi, 1e-9)
	test.That(t, adapter.Position(0), test.ShouldAlmostEqual, 2*math.Pi, 1e-9)
}

func TestReadPartialFailure(t *testing.T) {
	adapter, transport := newConfigured(t,
		velocityJoint("joint0", 0, 100),
		velocityJoint("joint1", 1, 100),
		velocityJoint("joint2", 2, 100),
	)
	transport.Registers[RegPosEstimate.ForAxis(0)] = 1.0
	transport.ReadErrs[RegVelEstimate.ForAxis(1)] = errFault

	err := adapter.Read()
	test.That(t, errors.Is(err, errFault), test.ShouldBeTrue)

	// Joint 0 was fully refreshed, joint 1 partially, joint 2 not at all.
	test.That(t, adapter.Position(0), test.ShouldAlmostEqual, 2*math.Pi, 1e-9)
	test.That(t, math.IsNaN(adapter.Effort(1)), test.ShouldBeFalse)
	test.That(t, math.IsNaN(adapter.Velocity(1)), test.ShouldBeTrue)
	test.That(t, math.IsNaN(adapter.Position(2)), test.ShouldBeTrue)
	for _, addr := range transport.Reads {
		test.That(t, addr, test.ShouldBeLessThan, uint16(2)*PerAxisOffset)
	}
}

func TestWriteDispatch(t *testing.T) {
	adapter, transport := newConfigured(t,
		effortJoint("joint0", 0, 100),
		velocityJoint("joint1", 1, 100),
		positionJoint("joint2", 2, 100),
	)

	adapter.SetCommandEffort(0, TorqueConstant) // one amp
	adapter.SetCommandVelocity(1, 2*math.Pi)    // one turn per second
	adapter.SetCommandPosition(2, math.Pi)      // half a turn

	test.That(t, adapter.Write(), test.ShouldBeNil)
	test.That(t, transport.Writes, test.ShouldHaveLength, 3)

	test.That(t, transport.Writes[0].Addr, test.ShouldEqual, RegIqSetpoint.ForAxis(0))
	test.That(t, transport.Writes[0].FloatVal, test.ShouldAlmostEqual, 100, 1e-4)
	test.That(t, transport.Writes[1].Addr, test.ShouldEqual, RegInputVel.ForAxis(1))
	test.That(t, transport.Writes[1].FloatVal, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, transport.Writes[2].Addr, test.ShouldEqual, RegInputPos.ForAxis(2))
	test.That(t, transport.Writes[2].FloatVal, test.ShouldAlmostEqual, 0.5, 1e-6)
}

func TestWriteAbortsOnError(t *testing.T) {
	adapter, transport := newConfigured(t,
		velocityJoint("joint0", 0, 100),
		velocityJoint("joint1", 1, 100),
	)
	transport.WriteErrs[RegInputVel.ForAxis(0)] = errFault

	err := adapter.Write()
	test.That(t, errors.Is(err, errFault), test.ShouldBeTrue)
	test.That(t, transport.Writes, test.ShouldHaveLength, 0)
}

// An undefined joint ends the whole call, skipping every joint after it.
func TestWriteUndefinedShortCircuits(t *testing.T) {
	logger, obs := logging.NewObservedTestLogger(t)
	transport := NewFakeTransport()
	adapter := NewAdapter(transport, logger)
	test.That(t, adapter.Configure([]JointSpec{
		velocityJoint("joint0", 0, 100),
		velocityJoint("joint1", 1, 100),
	}), test.ShouldBeNil)

	adapter.setMode(1, ModeUndefined)
	adapter.SetCommandVelocity(0, 1)
	adapter.SetCommandVelocity(1, 1)

	test.That(t, adapter.Write(), test.ShouldBeNil)

	// Joint 0 precedes the undefined joint and is still written; nothing
	// after the undefined joint would be.
	test.That(t, transport.Writes, test.ShouldHaveLength, 1)
	test.That(t, transport.Writes[0].Addr, test.ShouldEqual, RegInputVel.ForAxis(0))
	test.That(t, obs.FilterMessageSnippet("nothing is using").Len(), test.ShouldEqual, 1)

	// With the undefined joint first, no write happens at all.
	transport.Writes = nil
	adapter.setMode(0, ModeUndefined)
	test.That(t, adapter.Write(), test.ShouldBeNil)
	test.That(t, transport.Writes, test.ShouldHaveLength, 0)
}

func TestVelocityRoundTrip(t *testing.T) {
	adapter, transport := newConfigured(t, velocityJoint("joint0", 0, 100))

	const want = 3.21 // rad/s
	adapter.SetCommandVelocity(0, want)
	test.That(t, adapter.Write(), test.ShouldBeNil)

	// Pretend the axis settled at exactly the commanded speed.
	transport.Registers[RegVelEstimate.ForAxis(0)] = transport.Registers[RegInputVel.ForAxis(0)]
	test.That(t, adapter.Read(), test.ShouldBeNil)
	test.That(t, adapter.Velocity(0), test.ShouldAlmostEqual, want, 1e-5)
}

func TestEffortRoundTrip(t *testing.T) {
	adapter, transport := newConfigured(t, effortJoint("joint0", 0, 100))

	const want = 1.75 // Nm
	adapter.SetCommandEffort(0, want)
	test.That(t, adapter.Write(), test.ShouldBeNil)
	test.That(t, transport.Writes[0].FloatVal, test.ShouldAlmostEqual, want/TorqueConstant*100, 1e-4)

	transport.Registers[RegIqMeasured.ForAxis(0)] = transport.Registers[RegIqSetpoint.ForAxis(0)]
	test.That(t, adapter.Read(), test.ShouldBeNil)
	test.That(t, adapter.Effort(0), test.ShouldAlmostEqual, want, 1e-5)
}

func TestClose(t *testing.T) {
	adapter, transport := newConfigured(t, velocityJoint("joint0", 0, 100))
	test.That(t, adapter.Start(), test.ShouldBeNil)

	test.That(t, adapter.Close(), test.ShouldBeNil)
	test.That(t, transport.Closed, test.ShouldBeTrue)

	// Closing after Start idles the axis first.
	last := transport.Writes[len(transport.Writes)-1]
	test.That(t, last.Addr, test.ShouldEqual, RegRequestedState.ForAxis(0))
	test.That(t, last.IntVal, test.ShouldEqual, AxisStateIdle)

	test.That(t, errors.Is(adapter.Read(), ErrNotConfigured), test.ShouldBeTrue)
}
