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

package utils

import (
	"fmt"

	"k8s.io/mount-utils"
)

// NewMountGuard mounts source at target and returns a Guard that unmounts
// it on Close. Used for the short-lived mounts the engine takes to reach
// into a filesystem it is not otherwise managing, such as a signature
// partition consulted only to fetch a detached verity root-hash
// signature before opening the data device.
func NewMountGuard(mounter mount.Interface, source, target, fsType string, options []string) (*Guard, error) {
	if err := mounter.Mount(source, target, fsType, options); err != nil {
		return nil, fmt.Errorf("failed to mount %q at %q: %w", source, target, err)
	}
	return NewGuard(func() error {
		return mounter.Unmount(target)
	}), nil
}
