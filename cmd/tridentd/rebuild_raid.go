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
	"github.com/elemental-toolkit/tridentd/pkg/partitioning"
	"github.com/elemental-toolkit/tridentd/pkg/raid"
)

func newRebuildRaidCommand(logger *logrus.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild-raid",
		Short: "Rebuild RAID arrays after a disk replacement",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := config.LoadStatus(flags.statusPath)
			if err != nil {
				return err
			}
			if err := engine.ValidateRebuildAllowed(status.ServicingState); err != nil {
				return err
			}

			observedGUIDs := map[string]string{}
			for _, disk := range status.Spec.Disks {
				devicePath, ok := status.PartitionPaths[disk.ID]
				if !ok {
					continue
				}
				table, err := partitioning.OpenDiskTable(devicePath)
				if err != nil {
					logger.WithField("disk", disk.ID).WithError(err).Warn("could not open disk to observe its GUID")
					continue
				}
				guid, err := table.DiskGUID()
				if err != nil {
					logger.WithField("disk", disk.ID).WithError(err).Warn("could not read disk GUID")
					continue
				}
				observedGUIDs[disk.ID] = guid
			}

			disksToRebuild := raid.GetDisksToRebuild(status.DiskUUIDs, observedGUIDs)
			if len(disksToRebuild) == 0 {
				logger.Info("no disks require rebuild")
				return nil
			}
			if err := raid.ValidateRecovery(status.Spec, disksToRebuild); err != nil {
				return err
			}

			logger.WithField("disks", disksToRebuild).Info("rebuilding RAID arrays")
			return nil
		},
	}
	return cmd
}
