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
)

type globalFlags struct {
	configPath string
	statusPath string
	jsonLogs   bool
	verbose    bool

	imageURL                string
	imageRemote             bool
	recoveryKeyDir          string
	reencryptOnCleanInstall bool
	installID               string
}

func newRootCommand(logger *logrus.Logger) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "tridentd",
		Short: "A/B storage-provisioning and OS-servicing engine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
			if flags.jsonLogs {
				logger.SetFormatter(&logrus.JSONFormatter{})
			}
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/tridentd/config.yaml", "path to the host configuration file")
	root.PersistentFlags().StringVar(&flags.statusPath, "status", "/var/lib/tridentd/status.json", "path to the persisted host status file")
	root.PersistentFlags().BoolVar(&flags.jsonLogs, "json", false, "emit structured JSON logs instead of text")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug-level logging")
	root.PersistentFlags().StringVar(&flags.imageURL, "image-url", "", "local path or URL to the COSI image to deploy")
	root.PersistentFlags().BoolVar(&flags.imageRemote, "image-remote", false, "treat image-url as a remote URL instead of a local path")
	root.PersistentFlags().StringVar(&flags.recoveryKeyDir, "recovery-key-dir", "/var/lib/tridentd/keys", "directory for generated LUKS2 recovery keys")
	root.PersistentFlags().BoolVar(&flags.reencryptOnCleanInstall, "reencrypt-on-clean-install", false, "reencrypt in place instead of formatting new LUKS2 volumes on a clean install")
	root.PersistentFlags().StringVar(&flags.installID, "install-id", "tridentd", "identifier embedded in UEFI boot entry labels")

	root.AddCommand(
		newInstallCommand(logger, flags),
		newUpdateCommand(logger, flags),
		newCommitCommand(logger, flags),
		newRebuildRaidCommand(logger, flags),
		newGetCommand(logger, flags),
		newValidateCommand(logger, flags),
	)
	return root
}
