// Package joints provides a Viam arm component exposing the joints of an
// ODrive-driven mechanism.
package joints

import (
	"context"
	"math"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"github.com/EG3301R-SAM/odrive-ros2-control/odrive"
)

// Model is the Viam model for the ODrive joint set.
var Model = resource.NewModel("eg3301r", "odrive", "joints")

func init() {
	resource.RegisterComponent(arm.API, Model, resource.Registration[arm.Arm, *Config]{
		Constructor: NewJoints,
	})
}

// movingThreshold is the joint speed, in radians per second, below which
// an axis counts as stationary.
const movingThreshold = 1e-2

// Default interface orderings. The first command interface selects the
// joint's control mode, so velocity control is the out-of-the-box mode.
var (
	defaultCommandInterfaces = []string{odrive.InterfaceVelocity, odrive.InterfacePosition, odrive.InterfaceEffort}
	defaultStateInterfaces   = []string{odrive.InterfacePosition, odrive.InterfaceVelocity, odrive.InterfaceEffort}
)

// JointConfig declares one joint of the mechanism.
type JointConfig struct {
	Name string `json:"name"`
	Axis int    `json:"axis"`
	KV   int    `json:"kv"`

	// Optional interface orderings; the first command interface picks the
	// control mode.
	CommandInterfaces []string `json:"command_interfaces,omitempty"`
	StateInterfaces   []string `json:"state_interfaces,omitempty"`
}

// Config is the configuration for the ODrive joint set.
type Config struct {
	SerialNumber string        `json:"serial_number,omitempty"`
	Joints       []JointConfig `json:"joints"`
}

// Validate validates the config.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if len(c.Joints) == 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "joints")
	}
	seen := map[string]bool{}
	for i, joint := range c.Joints {
		if joint.Name == "" {
			return nil, nil, errors.Errorf("%s: joint %d needs a name", path, i)
		}
		if seen[joint.Name] {
			return nil, nil, errors.Errorf("%s: duplicate joint name %q", path, joint.Name)
		}
		seen[joint.Name] = true
		if joint.Axis < 0 {
			return nil, nil, errors.Errorf("%s: joint %q has negative axis %d", path, joint.Name, joint.Axis)
		}
		if joint.KV <= 0 {
			return nil, nil, errors.Errorf("%s: joint %q needs a positive kv rating", path, joint.Name)
		}
	}
	return nil, nil, nil
}

func (c *Config) jointSpecs() []odrive.JointSpec {
	specs := make([]odrive.JointSpec, 0, len(c.Joints))
	for _, joint := range c.Joints {
		cmd := joint.CommandInterfaces
		if len(cmd) == 0 {
			cmd = defaultCommandInterfaces
		}
		state := joint.StateInterfaces
		if len(state) == 0 {
			state = defaultStateInterfaces
		}
		specs = append(specs, odrive.JointSpec{
			Name:              joint.Name,
			CommandInterfaces: cmd,
			StateInterfaces:   state,
			Parameters: map[string]string{
				"axis": strconv.Itoa(joint.Axis),
				"KV":   strconv.Itoa(joint.KV),
			},
		})
	}
	return specs
}

// jointSet implements arm.Arm over an ODrive joint adapter.
type jointSet struct {
	resource.Named
	resource.AlwaysRebuild

	mu      sync.Mutex
	adapter *odrive.Adapter
	logger  logging.Logger
}

// NewJoints creates a new ODrive joint set component.
func NewJoints(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (arm.Arm, error) {
	config, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	return makeJoints(conf.ResourceName(), config, logger, odrive.NewUSBTransport(config.SerialNumber))
}

// makeJoints wires the component onto any transport, real or fake.
func makeJoints(name resource.Name, config *Config, logger logging.Logger, transport odrive.Transport) (arm.Arm, error) {
	adapter := odrive.NewAdapter(transport, logger)
	if err := adapter.Configure(config.jointSpecs()); err != nil {
		return nil, errors.Wrap(err, "configuring joints")
	}
	if err := adapter.Start(); err != nil {
		if cerr := adapter.Close(); cerr != nil {
			logger.Warnf("failed to release device after start failure: %v", cerr)
		}
		return nil, errors.Wrap(err, "starting joints")
	}

	logger.Infof("ODrive joint set ready with %d joints", adapter.NumJoints())
	return &jointSet{
		Named:   name.AsNamed(),
		adapter: adapter,
		logger:  logger,
	}, nil
}

// JointPositions returns the current joint positions.
func (j *jointSet) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.adapter.Read(); err != nil {
		return nil, err
	}
	inputs := make([]referenceframe.Input, j.adapter.NumJoints())
	for i := range inputs {
		inputs[i] = referenceframe.Input(j.adapter.Position(i))
	}
	return inputs, nil
}

// MoveToJointPositions commands the given joint positions.
func (j *jointSet) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(positions) != j.adapter.NumJoints() {
		return errors.Errorf("expected %d joint positions, got %d", j.adapter.NumJoints(), len(positions))
	}
	for i, pos := range positions {
		j.adapter.SetCommandPosition(i, float64(pos))
	}
	return j.adapter.Write()
}

// MoveThroughJointPositions moves through a series of joint positions.
func (j *jointSet) MoveThroughJointPositions(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]any) error {
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.MoveToJointPositions(ctx, pos, extra); err != nil {
			return err
		}
	}
	return nil
}

// CurrentInputs returns the current joint positions as referenceframe inputs.
func (j *jointSet) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return j.JointPositions(ctx, nil)
}

// GoToInputs moves the joints through the specified waypoints.
func (j *jointSet) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	for _, step := range inputSteps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.MoveToJointPositions(ctx, step, nil); err != nil {
			return err
		}
	}
	return nil
}

// Stop latches the current positions and zeroes the velocity and effort
// setpoints, then pushes one command cycle.
func (j *jointSet) Stop(ctx context.Context, extra map[string]interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.adapter.Read(); err != nil {
		return err
	}
	for i := 0; i < j.adapter.NumJoints(); i++ {
		j.adapter.SetCommandPosition(i, j.adapter.Position(i))
		j.adapter.SetCommandVelocity(i, 0)
		j.adapter.SetCommandEffort(i, 0)
	}
	return j.adapter.Write()
}

// IsMoving reports whether any joint is turning.
func (j *jointSet) IsMoving(ctx context.Context) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.adapter.Read(); err != nil {
		return false, err
	}
	for i := 0; i < j.adapter.NumJoints(); i++ {
		if math.Abs(j.adapter.Velocity(i)) > movingThreshold {
			return true, nil
		}
	}
	return false, nil
}

var errNoKinematics = errors.New("no kinematics model is configured for the ODrive joint set")

// EndPosition is unsupported; the joint set carries no kinematics model.
func (j *jointSet) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	return nil, errNoKinematics
}

// MoveToPosition is unsupported; the joint set carries no kinematics model.
func (j *jointSet) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	return errNoKinematics
}

// Kinematics returns an error; the joint set carries no kinematics model.
func (j *jointSet) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errNoKinematics
}

// Geometries returns an error; the joint set carries no kinematics model.
func (j *jointSet) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, errNoKinematics
}

// DoCommand handles custom commands: lifecycle control plus direct
// velocity and effort setpoints keyed by joint name.
func (j *jointSet) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	result := make(map[string]interface{})

	if _, ok := cmd["start"]; ok {
		if err := j.adapter.Start(); err != nil {
			return nil, err
		}
		result["state"] = "started"
	}

	if _, ok := cmd["stop"]; ok {
		if err := j.adapter.Stop(); err != nil {
			return nil, err
		}
		result["state"] = "stopped"
	}

	if _, ok := cmd["read"]; ok {
		if err := j.adapter.Read(); err != nil {
			return nil, err
		}
		for i := 0; i < j.adapter.NumJoints(); i++ {
			result[j.adapter.JointName(i)] = map[string]interface{}{
				"position": j.adapter.Position(i),
				"velocity": j.adapter.Velocity(i),
				"effort":   j.adapter.Effort(i),
			}
		}
	}

	wrote := false
	if val, ok := cmd["set_velocity"]; ok {
		if err := j.applyCommand(val, j.adapter.SetCommandVelocity); err != nil {
			return nil, errors.Wrap(err, "set_velocity")
		}
		wrote = true
	}
	if val, ok := cmd["set_effort"]; ok {
		if err := j.applyCommand(val, j.adapter.SetCommandEffort); err != nil {
			return nil, errors.Wrap(err, "set_effort")
		}
		wrote = true
	}
	if wrote {
		if err := j.adapter.Write(); err != nil {
			return nil, err
		}
		result["written"] = true
	}

	return result, nil
}

// applyCommand routes a {joint name: value} map onto a setpoint buffer.
func (j *jointSet) applyCommand(val interface{}, set func(int, float64)) error {
	byName, ok := val.(map[string]interface{})
	if !ok {
		return errors.New("expected a map of joint name to value")
	}
	for name, raw := range byName {
		v, ok := raw.(float64)
		if !ok {
			return errors.Errorf("joint %q value must be a number", name)
		}
		found := false
		for i := 0; i < j.adapter.NumJoints(); i++ {
			if j.adapter.JointName(i) == name {
				set(i, v)
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("unknown joint %q", name)
		}
	}
	return nil
}

// Close idles the axes and releases the device.
func (j *jointSet) Close(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.adapter.Close()
	j.logger.Info("ODrive joint set closed")
	return err
}
