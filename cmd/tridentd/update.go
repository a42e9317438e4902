/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/elemental-toolkit/tridentd/pkg/config"
	"github.com/elemental-toolkit/tridentd/pkg/engine"
	"github.com/elemental-toolkit/tridentd/pkg/graph"
	"github.com/elemental-toolkit/tridentd/pkg/image"
	"github.com/elemental-toolkit/tridentd/pkg/runner"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

func newUpdateCommand(logger *logrus.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Stage an A/B update against the configured spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			status, err := config.LoadStatus(flags.statusPath)
			if err != nil {
				return err
			}

			servicingType := engine.Decide(status, spec)
			if servicingType != types.ServicingTypeAbUpdate {
				logger.WithField("servicingType", servicingType).Info("no A/B update needed")
				return nil
			}

			logger.Info("staging A/B update")

			storageGraph, err := graph.Build(spec)
			if err != nil {
				return err
			}
			ctx := engine.NewContext(spec, status)
			ctx.Graph = storageGraph
			ctx.Source = image.NewCosiSource(flags.imageURL, flags.imageRemote)

			driver := &engine.Driver{
				Runner:         runner.RealRunner{Logger: logger},
				OpenDiskTable:  openDiskTable,
				RecoveryKeyDir: flags.recoveryKeyDir,
				InstallID:      flags.installID,
				Logger:         logger,
			}
			if err := driver.Run(cmd.Context(), ctx); err != nil {
				status.LastError = err.Error()
				_ = config.SaveStatus(flags.statusPath, status)
				return err
			}

			updatedPair := types.AbVolumePair{VolumeA: string(types.AbVolumeA), VolumeB: string(types.AbVolumeB)}
			status.AbActiveVolume = types.AbVolume(engine.GetAbUpdateVolume(updatedPair, servicingType, status.AbActiveVolume))
			status.Spec = spec
			status.ServicingState = types.ServicingStateAbUpdateStaged
			status.LastError = ""
			return config.SaveStatus(flags.statusPath, status)
		},
	}
}
