package odrive

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ControlMode selects which command stream drives a joint.
type ControlMode uint8

// The supported control modes. A joint stays undefined until a command
// interface claims it.
const (
	ModeUndefined ControlMode = iota
	ModeEffort
	ModeVelocity
	ModePosition
)

func (m ControlMode) String() string {
	switch m {
	case ModeEffort:
		return InterfaceEffort
	case ModeVelocity:
		return InterfaceVelocity
	case ModePosition:
		return InterfacePosition
	default:
		return "undefined"
	}
}

func modeForInterface(name string) (ControlMode, bool) {
	switch name {
	case InterfaceEffort:
		return ModeEffort, true
	case InterfaceVelocity:
		return ModeVelocity, true
	case InterfacePosition:
		return ModePosition, true
	}
	return ModeUndefined, false
}

// JointSpec declares one joint: its interface lists, in order, and the
// per-joint device parameters. Exactly three command and three state
// interfaces are required, and the first of each must be position,
// velocity or effort. Parameters must carry integer "axis" and "KV"
// entries.
type JointSpec struct {
	Name              string
	CommandInterfaces []string
	StateInterfaces   []string
	Parameters        map[string]string
}

// Configuration errors.
var (
	ErrInterfaceCount = errors.New("wrong interface count")
	ErrInterfaceKind  = errors.New("unsupported interface kind")
	ErrParameter      = errors.New("bad joint parameter")
	ErrNotConfigured  = errors.New("adapter not configured")
)

type status uint8

const (
	statusUnconfigured status = iota
	statusConfigured
	statusStarted
	statusStopped
)

// Adapter maps joint-level commands and state onto ODrive register I/O.
// It owns its transport for its entire lifetime and is driven
// synchronously from a single control thread: Configure once, then Start,
// then Read and Write once per control cycle.
type Adapter struct {
	transport Transport
	logger    logging.Logger

	names []string
	axis  []int
	kv    []int
	modes []ControlMode

	positions  []float64
	velocities []float64
	efforts    []float64

	cmdPositions  []float64
	cmdVelocities []float64
	cmdEfforts    []float64

	status status
}

// NewAdapter returns an adapter owning the given transport. The transport
// session is established by Configure.
func NewAdapter(transport Transport, logger logging.Logger) *Adapter {
	return &Adapter{transport: transport, logger: logger}
}

// Configure validates the joint declarations, allocates the state and
// command buffers and establishes the device session. State values start
// as NaN until the first successful Read; command values start at zero.
// No register I/O happens here.
func (a *Adapter) Configure(joints []JointSpec) error {
	n := len(joints)
	a.names = make([]string, 0, n)
	a.axis = make([]int, 0, n)
	a.kv = make([]int, 0, n)
	a.modes = make([]ControlMode, 0, n)

	for _, joint := range joints {
		if len(joint.CommandInterfaces) != 3 {
			return errors.Wrapf(ErrInterfaceCount,
				"joint %q has %d command interfaces, 3 expected", joint.Name, len(joint.CommandInterfaces))
		}
		mode, ok := modeForInterface(joint.CommandInterfaces[0])
		if !ok {
			return errors.Wrapf(ErrInterfaceKind,
				"joint %q has %q command interface, expected %s, %s or %s",
				joint.Name, joint.CommandInterfaces[0], InterfacePosition, InterfaceVelocity, InterfaceEffort)
		}
		if len(joint.StateInterfaces) != 3 {
			return errors.Wrapf(ErrInterfaceCount,
				"joint %q has %d state interfaces, 3 expected", joint.Name, len(joint.StateInterfaces))
		}
		if _, ok := modeForInterface(joint.StateInterfaces[0]); !ok {
			return errors.Wrapf(ErrInterfaceKind,
				"joint %q has %q state interface, expected %s, %s or %s",
				joint.Name, joint.StateInterfaces[0], InterfacePosition, InterfaceVelocity, InterfaceEffort)
		}

		axis, err := intParameter(joint, "axis")
		if err != nil {
			return err
		}
		kv, err := intParameter(joint, "KV")
		if err != nil {
			return err
		}

		a.names = append(a.names, joint.Name)
		a.axis = append(a.axis, axis)
		a.kv = append(a.kv, kv)
		a.modes = append(a.modes, mode)
	}

	a.positions = nanSlice(n)
	a.velocities = nanSlice(n)
	a.efforts = nanSlice(n)
	a.cmdPositions = make([]float64, n)
	a.cmdVelocities = make([]float64, n)
	a.cmdEfforts = make([]float64, n)

	if err := a.transport.Init(); err != nil {
		return errors.Wrap(err, "initializing transport")
	}

	a.status = statusConfigured
	return nil
}

func intParameter(joint JointSpec, key string) (int, error) {
	raw, ok := joint.Parameters[key]
	if !ok {
		return 0, errors.Wrapf(ErrParameter, "joint %q is missing parameter %q", joint.Name, key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrParameter, "joint %q parameter %s=%q is not an integer", joint.Name, key, raw)
	}
	return v, nil
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// Start requests closed loop control on every configured axis. A failure
// aborts immediately; axes already switched stay in closed loop and the
// caller must resynchronize before resuming.
func (a *Adapter) Start() error {
	if err := a.checkConfigured(); err != nil {
		return err
	}
	if err := a.setAxisStates(AxisStateClosedLoopControl); err != nil {
		return err
	}
	a.status = statusStarted
	return nil
}

// Stop requests the idle state on every configured axis, with the same
// partial-failure behavior as Start.
func (a *Adapter) Stop() error {
	if err := a.checkConfigured(); err != nil {
		return err
	}
	if err := a.setAxisStates(AxisStateIdle); err != nil {
		return err
	}
	a.status = statusStopped
	return nil
}

func (a *Adapter) setAxisStates(state int32) error {
	for i := range a.names {
		if err := a.transport.WriteInt(RegRequestedState.ForAxis(a.axis[i]), state); err != nil {
			return errors.Wrapf(err, "requesting state %d on axis %d", state, a.axis[i])
		}
	}
	return nil
}

// Read refreshes every joint's measured effort, velocity and position.
// The three registers are read in that order for each joint; the first
// transport failure aborts the cycle and values already stored stick.
func (a *Adapter) Read() error {
	if err := a.checkConfigured(); err != nil {
		return err
	}
	for i := range a.names {
		axis := a.axis[i]

		iq, err := a.transport.ReadFloat(RegIqMeasured.ForAxis(axis))
		if err != nil {
			return errors.Wrapf(err, "reading Iq_measured on axis %d", axis)
		}
		a.efforts[i] = CurrentToTorque(float64(iq), a.kv[i])

		vel, err := a.transport.ReadFloat(RegVelEstimate.ForAxis(axis))
		if err != nil {
			return errors.Wrapf(err, "reading vel_estimate on axis %d", axis)
		}
		a.velocities[i] = TurnsToRadians(float64(vel))

		pos, err := a.transport.ReadFloat(RegPosEstimate.ForAxis(axis))
		if err != nil {
			return errors.Wrapf(err, "reading pos_estimate on axis %d", axis)
		}
		a.positions[i] = TurnsToRadians(float64(pos))
	}
	return nil
}

// Write sends each joint's active command to the device, aborting on the
// first transport failure. A joint whose mode is still undefined ends the
// whole call early: nothing has claimed the hardware yet, and the joints
// after it are skipped for this cycle as well.
func (a *Adapter) Write() error {
	if err := a.checkConfigured(); err != nil {
		return err
	}
	for i := range a.names {
		axis := a.axis[i]

		switch a.modes[i] {
		case ModeUndefined:
			a.logger.Info("nothing is using the hardware interface")
			return nil

		case ModeEffort:
			iq := float32(TorqueToCurrent(a.cmdEfforts[i], a.kv[i]))
			if err := a.transport.WriteFloat(RegIqSetpoint.ForAxis(axis), iq); err != nil {
				return errors.Wrapf(err, "writing Iq_setpoint on axis %d", axis)
			}

		case ModeVelocity:
			vel := float32(RadiansToTurns(a.cmdVelocities[i]))
			if err := a.transport.WriteFloat(RegInputVel.ForAxis(axis), vel); err != nil {
				return errors.Wrapf(err, "writing input_vel on axis %d", axis)
			}

		case ModePosition:
			pos := float32(RadiansToTurns(a.cmdPositions[i]))
			if err := a.transport.WriteFloat(RegInputPos.ForAxis(axis), pos); err != nil {
				return errors.Wrapf(err, "writing input_pos on axis %d", axis)
			}
		}
	}
	return nil
}

func (a *Adapter) checkConfigured() error {
	if a.status == statusUnconfigured {
		return ErrNotConfigured
	}
	return nil
}

// NumJoints returns the number of configured joints.
func (a *Adapter) NumJoints() int { return len(a.names) }

// JointName returns the name of joint i.
func (a *Adapter) JointName(i int) string { return a.names[i] }

// Mode returns the control mode of joint i.
func (a *Adapter) Mode(i int) ControlMode { return a.modes[i] }

// State handles, refreshed by Read. Position is in radians, velocity in
// radians per second, effort in newton-meters.

// Position returns the measured position of joint i.
func (a *Adapter) Position(i int) float64 { return a.positions[i] }

// Velocity returns the measured velocity of joint i.
func (a *Adapter) Velocity(i int) float64 { return a.velocities[i] }

// Effort returns the measured effort of joint i.
func (a *Adapter) Effort(i int) float64 { return a.efforts[i] }

// Command handles, consumed by Write. Only the buffer matching the
// joint's control mode is sent each cycle.

// SetCommandPosition sets the position setpoint of joint i in radians.
func (a *Adapter) SetCommandPosition(i int, radians float64) { a.cmdPositions[i] = radians }

// SetCommandVelocity sets the velocity setpoint of joint i in radians per
// second.
func (a *Adapter) SetCommandVelocity(i int, radPerSec float64) { a.cmdVelocities[i] = radPerSec }

// SetCommandEffort sets the effort setpoint of joint i in newton-meters.
func (a *Adapter) SetCommandEffort(i int, torque float64) { a.cmdEfforts[i] = torque }

// CommandPosition returns the position setpoint of joint i.
func (a *Adapter) CommandPosition(i int) float64 { return a.cmdPositions[i] }

// CommandVelocity returns the velocity setpoint of joint i.
func (a *Adapter) CommandVelocity(i int) float64 { return a.cmdVelocities[i] }

// CommandEffort returns the effort setpoint of joint i.
func (a *Adapter) CommandEffort(i int) float64 { return a.cmdEfforts[i] }

// setMode overrides the control mode of joint i.
func (a *Adapter) setMode(i int, mode ControlMode) { a.modes[i] = mode }

// Close releases the device, idling the axes first when they were left in
// closed loop. The adapter is unusable afterwards.
func (a *Adapter) Close() error {
	if a.status == statusStarted {
		if err := a.Stop(); err != nil {
			a.logger.Warnf("failed to idle axes on close: %v", err)
		}
	}
	a.status = statusUnconfigured
	return a.transport.Close()
}
