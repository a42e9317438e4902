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

package engine

import (
	"fmt"

	"github.com/elemental-toolkit/tridentd/pkg/image"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// ValidateAgainstImage checks the storage invariants that need both the
// declarative configuration and the loaded COSI metadata at once:
// graph.Build never sees image.Metadata, so it cannot confirm that a
// filesystem declared with source "image" actually has a matching image
// in the archive, or that a verity-backed mount is read-only.
func ValidateAgainstImage(cfg types.HostConfiguration, meta image.Metadata) error {
	for _, fs := range cfg.FileSystems {
		if fs.Source == types.FileSystemSourceImage {
			if _, err := imageForMountPoint(meta, fs.MountPoint); err != nil {
				return err
			}
		}
		verityBacked := cfg.VerityDeviceByID(fs.DeviceID) != nil
		for _, v := range cfg.VerityDevices {
			if fs.DeviceID != "" && v.DataDeviceID == fs.DeviceID {
				verityBacked = true
			}
		}
		if verityBacked && !hasOption(fs.Options, "ro") {
			return types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("filesystem mounted at %q is backed by a verity device and must be mounted read-only", fs.MountPoint))
		}
	}
	return nil
}

// imageForMountPoint finds the COSI image carrying the given mount point.
func imageForMountPoint(meta image.Metadata, mountPoint string) (image.Image, error) {
	for _, img := range meta.Images {
		if img.MountPoint == mountPoint {
			return img, nil
		}
	}
	return image.Image{}, types.NewServicingError(types.ErrorKindInvalidInput,
		fmt.Sprintf("no COSI image found for mount point %q", mountPoint))
}

func hasOption(options []string, want string) bool {
	for _, o := range options {
		if o == want {
			return true
		}
	}
	return false
}
