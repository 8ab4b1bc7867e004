// Package motor provides a Viam motor component for a single ODrive axis.
package motor

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/EG3301R-SAM/odrive-ros2-control/odrive"
)

// Model is the Viam model for a single ODrive axis.
var Model = resource.NewModel("eg3301r", "odrive", "motor")

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

const (
	defaultMaxRPM    = 600.0
	defaultMaxTorque = 1.0 // Nm

	// movingThreshold is the axis speed, in rad/s, below which the motor
	// counts as stopped.
	movingThreshold = 1e-2

	goToPollInterval = 50 * time.Millisecond
)

// Config describes the configuration of an ODrive axis motor.
type Config struct {
	SerialNumber string  `json:"serial_number,omitempty"`
	Axis         int     `json:"axis"`
	KV           int     `json:"kv"`
	Mode         string  `json:"mode,omitempty"` // position, velocity (default) or effort
	MaxRPM       float64 `json:"max_rpm,omitempty"`
	MaxTorqueNm  float64 `json:"max_torque_nm,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.KV <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "kv")
	}
	if c.Axis < 0 {
		return nil, nil, errors.Errorf("%s: axis must not be negative", path)
	}
	switch c.Mode {
	case "", odrive.InterfacePosition, odrive.InterfaceVelocity, odrive.InterfaceEffort:
	default:
		return nil, nil, errors.Errorf("%s: unknown mode %q, expected %s, %s or %s",
			path, c.Mode, odrive.InterfacePosition, odrive.InterfaceVelocity, odrive.InterfaceEffort)
	}
	return nil, nil, nil
}

// orderedInterfaces puts the selected mode first; the remaining kinds
// follow in a fixed order.
func orderedInterfaces(mode string) []string {
	ordered := []string{mode}
	for _, kind := range []string{odrive.InterfaceVelocity, odrive.InterfacePosition, odrive.InterfaceEffort} {
		if kind != mode {
			ordered = append(ordered, kind)
		}
	}
	return ordered
}

// odriveMotor implements motor.Motor over one axis of an ODrive adapter.
type odriveMotor struct {
	resource.Named
	resource.AlwaysRebuild

	mu      sync.Mutex
	adapter *odrive.Adapter
	logger  logging.Logger

	maxRPM    float64
	maxTorque float64
	powerPct  float64
}

func newMotor(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (motor.Motor, error) {
	config, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	return makeMotor(conf.ResourceName(), config, logger, odrive.NewUSBTransport(config.SerialNumber))
}

// makeMotor wires the component onto any transport, real or fake.
func makeMotor(name resource.Name, config *Config, logger logging.Logger, transport odrive.Transport) (motor.Motor, error) {
	mode := config.Mode
	if mode == "" {
		mode = odrive.InterfaceVelocity
	}

	adapter := odrive.NewAdapter(transport, logger)
	spec := odrive.JointSpec{
		Name:              name.ShortName(),
		CommandInterfaces: orderedInterfaces(mode),
		StateInterfaces:   []string{odrive.InterfacePosition, odrive.InterfaceVelocity, odrive.InterfaceEffort},
		Parameters: map[string]string{
			"axis": strconv.Itoa(config.Axis),
			"KV":   strconv.Itoa(config.KV),
		},
	}
	if err := adapter.Configure([]odrive.JointSpec{spec}); err != nil {
		return nil, errors.Wrap(err, "configuring motor")
	}
	if err := adapter.Start(); err != nil {
		if cerr := adapter.Close(); cerr != nil {
			logger.Warnf("failed to release device after start failure: %v", cerr)
		}
		return nil, errors.Wrap(err, "starting motor")
	}

	m := &odriveMotor{
		Named:     name.AsNamed(),
		adapter:   adapter,
		logger:    logger,
		maxRPM:    config.MaxRPM,
		maxTorque: config.MaxTorqueNm,
	}
	if m.maxRPM == 0 {
		m.maxRPM = defaultMaxRPM
	}
	if m.maxTorque == 0 {
		m.maxTorque = defaultMaxTorque
	}

	logger.Infof("ODrive axis %d ready in %s mode", config.Axis, mode)
	return m, nil
}

func (m *odriveMotor) mode() odrive.ControlMode { return m.adapter.Mode(0) }

// Position returns the axis position in revolutions from startup.
func (m *odriveMotor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.adapter.Read(); err != nil {
		return 0, errors.Wrap(err, "reading position")
	}
	return odrive.RadiansToTurns(m.adapter.Position(0)), nil
}

// Properties returns the status of optional properties on the motor.
func (m *odriveMotor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// SetPower drives the axis at a fraction of its configured maximum. In
// velocity mode power maps onto max_rpm, in effort mode onto
// max_torque_nm. Position mode has no meaningful power scale.
func (m *odriveMotor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	powerPct = math.Max(-1, math.Min(1, powerPct))

	switch m.mode() {
	case odrive.ModeVelocity:
		m.adapter.SetCommandVelocity(0, rpmToRadPerSec(powerPct*m.maxRPM))
	case odrive.ModeEffort:
		m.adapter.SetCommandEffort(0, powerPct*m.maxTorque)
	default:
		return errors.Errorf("SetPower is not supported in %s mode", m.mode())
	}

	if err := m.adapter.Write(); err != nil {
		return err
	}
	m.powerPct = powerPct
	return nil
}

// SetRPM instructs the axis to spin at the specified RPM indefinitely.
func (m *odriveMotor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode() != odrive.ModeVelocity {
		return errors.Errorf("SetRPM requires velocity mode, motor is in %s mode", m.mode())
	}

	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if rpm != 0 {
		if warning != "" {
			m.logger.CWarn(ctx, warning)
		}
		if err != nil {
			return err
		}
	}

	m.adapter.SetCommandVelocity(0, rpmToRadPerSec(rpm))
	if err := m.adapter.Write(); err != nil {
		return err
	}
	m.powerPct = rpm / m.maxRPM
	return nil
}

// GoTo moves to the given position, in revolutions from startup zero, and
// waits for the axis to settle there. The ODrive's own trajectory
// controller paces the move, so rpm only caps the reported power.
func (m *odriveMotor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	m.mu.Lock()
	if m.mode() != odrive.ModePosition {
		m.mu.Unlock()
		return errors.Errorf("GoTo requires position mode, motor is in %s mode", m.mode())
	}

	m.adapter.SetCommandPosition(0, odrive.TurnsToRadians(positionRevolutions))
	err := m.adapter.Write()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.waitUntilStopped(ctx)
}

// GoFor turns the given number of revolutions relative to the current
// position at the given speed.
func (m *odriveMotor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if rpm == 0 {
		return motor.NewZeroRPMError()
	}

	current, err := m.Position(ctx, extra)
	if err != nil {
		return err
	}

	if math.Signbit(rpm) != math.Signbit(revolutions) {
		revolutions = -math.Abs(revolutions)
	} else {
		revolutions = math.Abs(revolutions)
	}
	return m.GoTo(ctx, math.Abs(rpm), current+revolutions, extra)
}

// ResetZeroPosition is unsupported; the ODrive zeroes its encoder count at
// startup and offers no runtime rebase over this register set.
func (m *odriveMotor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	return errors.New("resetting the zero position is not supported")
}

// Stop zeroes the active setpoint. In position mode the current position
// is latched as the new target.
func (m *odriveMotor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.mode() {
	case odrive.ModeVelocity:
		m.adapter.SetCommandVelocity(0, 0)
	case odrive.ModeEffort:
		m.adapter.SetCommandEffort(0, 0)
	case odrive.ModePosition:
		if err := m.adapter.Read(); err != nil {
			return err
		}
		m.adapter.SetCommandPosition(0, m.adapter.Position(0))
	}

	if err := m.adapter.Write(); err != nil {
		return err
	}
	m.powerPct = 0
	return nil
}

// IsMoving returns true if the axis is turning.
func (m *odriveMotor) IsMoving(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.adapter.Read(); err != nil {
		return false, err
	}
	return math.Abs(m.adapter.Velocity(0)) > movingThreshold, nil
}

// IsPowered returns whether the axis is moving and the last commanded
// power fraction.
func (m *odriveMotor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	on, err := m.IsMoving(ctx)
	return on, m.powerPct, err
}

func (m *odriveMotor) waitUntilStopped(ctx context.Context) error {
	for {
		if !utils.SelectContextOrWait(ctx, goToPollInterval) {
			return ctx.Err()
		}
		moving, err := m.IsMoving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
	}
}

// DoCommand handles custom commands: axis state control and a raw state
// snapshot.
func (m *odriveMotor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]interface{})

	if _, ok := cmd["start"]; ok {
		if err := m.adapter.Start(); err != nil {
			return nil, err
		}
		result["state"] = "started"
	}

	if _, ok := cmd["stop"]; ok {
		if err := m.adapter.Stop(); err != nil {
			return nil, err
		}
		result["state"] = "stopped"
	}

	if _, ok := cmd["read"]; ok {
		if err := m.adapter.Read(); err != nil {
			return nil, err
		}
		result["position"] = m.adapter.Position(0)
		result["velocity"] = m.adapter.Velocity(0)
		result["effort"] = m.adapter.Effort(0)
	}

	return result, nil
}

// Close idles the axis and releases the device.
func (m *odriveMotor) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.adapter.Close()
	m.logger.Info("ODrive motor closed")
	return err
}

func rpmToRadPerSec(rpm float64) float64 {
	return odrive.TurnsToRadians(rpm / 60)
}
