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
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/elemental-toolkit/tridentd/pkg/config"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// newCommitCommand finalizes a staged A/B update after a successful
// health check post-reboot by recording the ab-update-staged ->
// ab-update-finalized transition in status. It does not change BootNext
// or BootOrder.
func newCommitCommand(logger *logrus.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "commit",
		Short: "Commit a staged A/B update after a successful health check",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := config.LoadStatus(flags.statusPath)
			if err != nil {
				return err
			}
			switch status.ServicingState {
			case types.ServicingStateAbUpdateStaged:
				status.ServicingState = types.ServicingStateAbUpdateFinalized
			default:
				return types.NewServicingError(types.ErrorKindInvalidInput,
					fmt.Sprintf("commit requires servicing state ab-update-staged, host is %q", status.ServicingState))
			}
			logger.Info("committed staged A/B update")
			return config.SaveStatus(flags.statusPath, status)
		},
	}
}
