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
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/elemental-toolkit/tridentd/pkg/config"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

func newGetCommand(logger *logrus.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "get {status|configuration|last-error}",
		Short:     "Print a slice of the persisted host status as JSON",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"status", "configuration", "last-error"},
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := config.LoadStatus(flags.statusPath)
			if err != nil {
				return err
			}

			var out interface{}
			switch args[0] {
			case "status":
				out = status
			case "configuration":
				out = status.Spec
			case "last-error":
				out = status.LastError
			default:
				return types.NewServicingError(types.ErrorKindInvalidInput,
					fmt.Sprintf("unknown get subject %q: expected status, configuration, or last-error", args[0]))
			}

			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
}
