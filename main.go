// Package main is the entry point for the ODrive Viam module.
package main

import (
	"context"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"

	// Import packages to register components
	odriveJoints "github.com/EG3301R-SAM/odrive-ros2-control/joints"
	odriveMotor "github.com/EG3301R-SAM/odrive-ros2-control/motor"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("odrive"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	mod, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	// Register the joint set component
	if err := mod.AddModelFromRegistry(ctx, arm.API, odriveJoints.Model); err != nil {
		return err
	}

	// Register the single axis motor component
	if err := mod.AddModelFromRegistry(ctx, motor.API, odriveMotor.Model); err != nil {
		return err
	}

	if err := mod.Start(ctx); err != nil {
		return err
	}
	defer mod.Close(ctx)

	<-ctx.Done()
	return nil
}
