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

// Package tabfile renders and parses /etc/fstab.
package tabfile

import (
	"fmt"
	"strings"

	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// TabFileEntry is one line of a fstab: device, mountpoint, fstype,
// options and pass number. The dump field is not stored; it is always
// rendered as 0.
type TabFileEntry struct {
	Device     string
	MountPoint string
	FsType     string
	Options    []string
	PassNo     int
}

func NewEntry(device, mountPoint string, fsType types.FileSystemType) TabFileEntry {
	passNo := constants.PassNoOther
	if mountPoint == constants.RootMountPoint {
		passNo = constants.PassNoRoot
	}
	return TabFileEntry{Device: device, MountPoint: mountPoint, FsType: string(fsType), PassNo: passNo}
}

func NewSwapEntry(device string) TabFileEntry {
	return TabFileEntry{Device: device, MountPoint: constants.SwapMountPoint, FsType: string(types.FileSystemSwap), PassNo: constants.PassNoSwap}
}

func NewOverlayEntry(mountPoint string) TabFileEntry {
	return TabFileEntry{Device: "overlay", MountPoint: mountPoint, FsType: string(types.FileSystemOverlay), PassNo: constants.PassNoOther}
}

func NewTmpfsEntry(mountPoint string) TabFileEntry {
	return TabFileEntry{Device: "tmpfs", MountPoint: mountPoint, FsType: string(types.FileSystemTmpfs), PassNo: constants.PassNoOther}
}

func (e TabFileEntry) WithOptions(opts []string) TabFileEntry {
	e.Options = opts
	return e
}

func (e TabFileEntry) options() string {
	if len(e.Options) == 0 {
		return "defaults"
	}
	return strings.Join(e.Options, ",")
}

func (e TabFileEntry) render() string {
	return fmt.Sprintf("%s %s %s %s 0 %d", e.Device, e.MountPoint, e.FsType, e.options(), e.PassNo)
}

// TabFile is a list of fstab entries.
type TabFile struct {
	Entries []TabFileEntry
}

// Render produces the textual fstab content, one line per entry.
func (t TabFile) Render() string {
	var b strings.Builder
	for _, e := range t.Entries {
		b.WriteString(e.render())
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseTabFile parses fstab text back into entries, supporting a clean
// render/parse round trip. Comments and blank lines are skipped.
func ParseTabFile(content string) (TabFile, error) {
	var t TabFile
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			return TabFile{}, fmt.Errorf("tabfile: malformed line %q", line)
		}
		passNo := 0
		if _, err := fmt.Sscanf(fields[5], "%d", &passNo); err != nil {
			return TabFile{}, fmt.Errorf("tabfile: invalid pass number in line %q: %w", line, err)
		}
		opts := strings.Split(fields[3], ",")
		t.Entries = append(t.Entries, TabFileEntry{
			Device:     fields[0],
			MountPoint: fields[1],
			FsType:     fields[2],
			Options:    opts,
			PassNo:     passNo,
		})
	}
	return t, nil
}

// InternalMountPoint is a resolved mount declared in the host
// configuration, carrying enough information to render a fstab entry
// without re-deriving it from the raw FileSystem declaration.
type InternalMountPoint struct {
	Path       string
	FileSystem types.FileSystemType
	Options    []string
	TargetID   string
}

// BlockDevicePathResolver resolves a declared block-device ID to the
// stable path that should appear in fstab, per EngineContext.GetBlockDevicePath.
type BlockDevicePathResolver interface {
	GetBlockDevicePath(id string) (string, error)
}

// FromMountPoints renders the fstab entries for the given mount points,
// matching original_source's from_mountpoints/entry_from_mountpoint.
func FromMountPoints(resolver BlockDevicePathResolver, mountPoints []InternalMountPoint) (TabFile, error) {
	var t TabFile
	for _, mp := range mountPoints {
		entry, err := entryFromMountPoint(resolver, mp)
		if err != nil {
			return TabFile{}, err
		}
		t.Entries = append(t.Entries, entry)
	}
	return t, nil
}

func entryFromMountPoint(resolver BlockDevicePathResolver, mp InternalMountPoint) (TabFileEntry, error) {
	switch mp.FileSystem {
	case types.FileSystemOverlay:
		return NewOverlayEntry(mp.Path).WithOptions(mp.Options), nil
	case types.FileSystemTmpfs:
		return NewTmpfsEntry(mp.Path).WithOptions(mp.Options), nil
	}

	device, err := resolver.GetBlockDevicePath(mp.TargetID)
	if err != nil {
		return TabFileEntry{}, fmt.Errorf("failed to find block device with id %s: %w", mp.TargetID, err)
	}

	if mp.FileSystem == types.FileSystemSwap {
		return NewSwapEntry(device).WithOptions(mp.Options), nil
	}
	return NewEntry(device, mp.Path, mp.FileSystem).WithOptions(mp.Options), nil
}
