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
)

// newValidateCommand checks the configured spec without touching any
// block device: config.Load sanitizes it and graph.Build constructs its
// storage graph. Each step stops at its first error, so only the first
// problem found is reported.
func newValidateCommand(logger *logrus.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configured spec without making any changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			_, graphErr := graph.Build(spec)
			if err := engine.AccumulateErrors(graphErr); err != nil {
				return err
			}

			logger.Info("spec is valid")
			return nil
		},
	}
}
