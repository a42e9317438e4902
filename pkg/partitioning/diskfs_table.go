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

package partitioning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"k8s.io/mount-utils"

	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// diskfsTable is the production DiskTable backed by
// github.com/diskfs/go-diskfs, the direct teacher dependency used for GPT
// table read/write.
type diskfsTable struct {
	devicePath string
	disk       *diskfs.Disk
	table      *gpt.Table
	mounter    mount.Interface
}

var _ DiskTable = (*diskfsTable)(nil)

// OpenDiskTable opens the GPT table on devicePath, creating a fresh empty
// one if none exists yet (the clean-install case).
func OpenDiskTable(devicePath string) (*diskfsTable, error) {
	d, err := diskfs.Open(devicePath, diskfs.WithOpenMode(diskfs.ReadWriteExclusive))
	if err != nil {
		return nil, fmt.Errorf("partitioning: failed to open %q: %w", devicePath, err)
	}
	pt, err := d.GetPartitionTable()
	var gptTable *gpt.Table
	if err != nil {
		gptTable = &gpt.Table{
			LogicalSectorSize:  512,
			PhysicalSectorSize: 512,
			GUID:               uuid.New().String(),
		}
	} else {
		var ok bool
		gptTable, ok = pt.(*gpt.Table)
		if !ok {
			return nil, fmt.Errorf("partitioning: %q does not have a GPT partition table", devicePath)
		}
	}
	return &diskfsTable{devicePath: devicePath, disk: d, table: gptTable, mounter: mount.New("")}, nil
}

func partitionDevicePath(devicePath string, number int) string {
	return fmt.Sprintf("%sp%d", devicePath, number)
}

func (t *diskfsTable) ListPartitions() ([]PartitionInfo, error) {
	var out []PartitionInfo
	for i, p := range t.table.Partitions {
		if p == nil || p.Size == 0 {
			continue
		}
		out = append(out, PartitionInfo{
			Number:    i + 1,
			Label:     p.Name,
			UUID:      p.GUID,
			SizeBytes: p.Size,
		})
	}
	return out, nil
}

func (t *diskfsTable) IsDiskMounted() (bool, error) {
	notMnt, err := t.mounter.IsLikelyNotMountPoint(t.devicePath)
	if err != nil {
		return false, nil //nolint:nilerr // absence of a mountpoint entry is not an error here
	}
	return !notMnt, nil
}

func (t *diskfsTable) IsPartitionMounted(number int) (bool, error) {
	notMnt, err := t.mounter.IsLikelyNotMountPoint(partitionDevicePath(t.devicePath, number))
	if err != nil {
		return false, nil //nolint:nilerr
	}
	return !notMnt, nil
}

func (t *diskfsTable) DeletePartition(number int) error {
	idx := number - 1
	if idx < 0 || idx >= len(t.table.Partitions) {
		return fmt.Errorf("partitioning: no such partition number %d", number)
	}
	t.table.Partitions[idx] = &gpt.Partition{}
	return nil
}

func partitionTypeGUID(pt types.PartitionType) gpt.Type {
	switch pt {
	case types.PartitionTypeESP:
		return gpt.EFISystemPartition
	case types.PartitionTypeSwap:
		return gpt.LinuxSwap
	default:
		return gpt.LinuxFilesystem
	}
}

func (t *diskfsTable) CreatePartition(label string, ptype types.PartitionType, sizeBytes uint64) (PartitionInfo, error) {
	part := &gpt.Partition{
		Name: label,
		Type: partitionTypeGUID(ptype),
		Size: sizeBytes,
		GUID: uuid.New().String(),
	}
	t.table.Partitions = append(t.table.Partitions, part)
	return PartitionInfo{Number: len(t.table.Partitions), Label: label, UUID: part.GUID, SizeBytes: sizeBytes}, nil
}

func (t *diskfsTable) FreeBytes() (uint64, error) {
	used := uint64(0)
	for _, p := range t.table.Partitions {
		if p != nil {
			used += p.Size
		}
	}
	total := uint64(t.disk.Size)
	if total <= used {
		return 0, nil
	}
	return total - used, nil
}

func (t *diskfsTable) Write() error {
	if err := t.disk.Partition(t.table); err != nil {
		return fmt.Errorf("partitioning: failed writing GPT table to %q: %w", t.devicePath, err)
	}
	return rescanAndWaitForSymlinks(t)
}

func (t *diskfsTable) DiskGUID() (string, error) {
	return t.table.GUID, nil
}

// rescanAndWaitForSymlinks forces the kernel to re-read the partition
// table (BLKRRPART) and waits, bounded by constants.PartSymlinkTimeout,
// for each partition's /dev/disk/by-partuuid symlink to appear.
func rescanAndWaitForSymlinks(t *diskfsTable) error {
	f, err := os.Open(t.devicePath)
	if err != nil {
		return fmt.Errorf("partitioning: failed to open %q for rescan: %w", t.devicePath, err)
	}
	defer f.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKRRPART, 0); errno != 0 {
		return fmt.Errorf("partitioning: BLKRRPART ioctl failed on %q: %w", t.devicePath, errno)
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.PartSymlinkTimeout)
	defer cancel()

	for i, p := range t.table.Partitions {
		if p == nil || p.Size == 0 {
			continue
		}
		link := filepath.Join(constants.DiskByPartUUID, p.GUID)
		if err := waitForPath(ctx, link); err != nil {
			return fmt.Errorf("partitioning: symlink for partition %d (%s) never appeared: %w", i+1, link, err)
		}
	}
	return nil
}

func waitForPath(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if ev.Name == path {
				if _, err := os.Stat(path); err == nil {
					return nil
				}
			}
		case <-time.After(200 * time.Millisecond):
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
	}
}
