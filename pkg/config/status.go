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

package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// LoadStatus reads the persisted HostStatus from path, returning a fresh
// not-provisioned status if the file does not exist yet.
func LoadStatus(path string) (*types.HostStatus, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return types.NewHostStatus(), nil
	}
	if err != nil {
		return nil, types.WrapServicingError(types.ErrorKindInternal, err, "failed to read status file")
	}
	var status types.HostStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, types.WrapServicingError(types.ErrorKindInternal, err, "failed to parse status file")
	}
	return &status, nil
}

// SaveStatus persists status to path as indented JSON.
func SaveStatus(path string, status *types.HostStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return types.WrapServicingError(types.ErrorKindInternal, err, "failed to marshal status")
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPerm); err != nil {
		return types.WrapServicingError(types.ErrorKindInternal, err, "failed to create status directory")
	}
	if err := os.WriteFile(path, data, constants.FilePerm); err != nil {
		return types.WrapServicingError(types.ErrorKindInternal, err, "failed to write status file")
	}
	return nil
}
