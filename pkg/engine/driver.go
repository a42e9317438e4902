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
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/elemental-toolkit/tridentd/pkg/bootentries"
	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/deploy"
	"github.com/elemental-toolkit/tridentd/pkg/encryption"
	"github.com/elemental-toolkit/tridentd/pkg/filesystem"
	"github.com/elemental-toolkit/tridentd/pkg/image"
	"github.com/elemental-toolkit/tridentd/pkg/partitioning"
	"github.com/elemental-toolkit/tridentd/pkg/raid"
	"github.com/elemental-toolkit/tridentd/pkg/runner"
	"github.com/elemental-toolkit/tridentd/pkg/tabfile"
	"github.com/elemental-toolkit/tridentd/pkg/types"
	"github.com/elemental-toolkit/tridentd/pkg/verity"
)

// Driver sequences a servicing run across every storage subsystem in the
// fixed order: stop pre-existing devices, load and validate image
// metadata, partition (clean install only), assemble RAID (clean install
// only), provision or open encryption, stream the image, assemble verity,
// format new filesystems, render fstab, and update the boot entry.
// Grounded on original_source/src/engine/mod.rs's top-level install/update
// orchestration, which drives the same subsystems in the same order.
type Driver struct {
	Runner        runner.Runner
	OpenDiskTable func(devicePath string) (partitioning.DiskTable, error)
	SizeOf        deploy.BlockDeviceSizer
	BootManager   bootentries.Manager

	RecoveryKeyDir          string
	ReencryptOnCleanInstall bool
	InstallID               string
	Logger                  *logrus.Logger

	// Live* report devices already assembled on the host before this run
	// started, for the stop-pre-existing safety checks. No subsystem in
	// this repository discovers them from the running kernel yet, so a nil
	// slice here means "none observed" rather than "discovery skipped".
	LiveRaidArrays       []raid.LiveArray
	LiveEncryptedVolumes []encryption.LiveVolume
	LiveVerityDevices    []verity.LiveDevice
}

// Run executes one servicing pass. It is a no-op for
// ServicingTypeNoActiveServicing; raid-rebuild is driven separately by
// cmd/tridentd's rebuild-raid command, which does not touch the bulk of
// the storage stack this Run assembles.
func (d *Driver) Run(pctx context.Context, ctx *Context) error {
	if ctx.ServicingType == types.ServicingTypeNoActiveServicing {
		return nil
	}

	d.logStage(ctx, "stop-pre-existing")
	if err := d.stopPreExisting(pctx, ctx); err != nil {
		return err
	}

	d.logStage(ctx, "load-image-metadata")
	meta, err := ctx.Source.Metadata(pctx)
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to load image metadata")
	}
	if err := ValidateAgainstImage(ctx.Spec, meta); err != nil {
		return err
	}
	ctx.IsUKI = meta.IsUKI()

	if ctx.ServicingType == types.ServicingTypeCleanInstall {
		d.logStage(ctx, "partitioning")
		if err := d.runPartitioning(ctx); err != nil {
			return err
		}
		d.logStage(ctx, "raid-create")
		if err := d.runRaidCreate(pctx, ctx, raidSyncTimeout(ctx.Spec)); err != nil {
			return err
		}
	}

	d.logStage(ctx, "encryption")
	if err := d.runEncryption(pctx, ctx); err != nil {
		return err
	}

	d.logStage(ctx, "deploy")
	if err := d.runDeploy(pctx, ctx, meta); err != nil {
		return err
	}

	d.logStage(ctx, "verity")
	if err := d.runVerity(pctx, ctx, meta); err != nil {
		return err
	}

	d.logStage(ctx, "filesystems")
	if err := d.runFilesystems(pctx, ctx); err != nil {
		return err
	}

	d.logStage(ctx, "fstab")
	if err := d.runFstab(ctx, meta); err != nil {
		return err
	}

	d.logStage(ctx, "boot-entries")
	return d.runBootEntries(pctx, ctx, meta)
}

func (d *Driver) logStage(ctx *Context, stage string) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithField("stage", stage).WithField("servicingType", ctx.ServicingType).Info("running servicing stage")
}

func (d *Driver) stopPreExisting(pctx context.Context, ctx *Context) error {
	configuredDisks := map[string]bool{}
	for _, disk := range ctx.Spec.Disks {
		configuredDisks[disk.ID] = true
	}
	if err := raid.StopPreExisting(pctx, d.Runner, d.LiveRaidArrays, configuredDisks); err != nil {
		return err
	}
	if err := encryption.ClosePreExisting(pctx, d.Runner, d.LiveEncryptedVolumes, configuredDisks); err != nil {
		return err
	}
	return verity.StopPreExisting(pctx, d.Runner, d.LiveVerityDevices, configuredDisks)
}

// runPartitioning runs the safety-check -> adopt -> create sequence per
// disk, recording every resulting partition's resolved path. Both sides
// of each A/B pair are created on a clean install; the side that is not
// this run's update side is labeled "_empty" until the first A/B update
// writes it.
func (d *Driver) runPartitioning(ctx *Context) error {
	emptyLabelIDs := map[string]bool{}
	for _, pair := range ctx.Spec.AbVolumePairs {
		update := GetAbUpdateVolume(pair, ctx.ServicingType, types.AbVolumeNone)
		other := pair.VolumeB
		if update == pair.VolumeB {
			other = pair.VolumeA
		}
		emptyLabelIDs[other] = true
	}

	for _, disk := range ctx.Spec.Disks {
		table, err := d.OpenDiskTable(disk.DevicePath)
		if err != nil {
			return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to open disk table for %q", disk.ID))
		}
		if err := partitioning.SafetyCheck(disk, table); err != nil {
			return err
		}
		adopted, err := partitioning.Adopt(disk, table)
		if err != nil {
			return err
		}
		for id, info := range adopted.Retained {
			ctx.SetResolvedPath(id, fmt.Sprintf("%s/%s", constants.DiskByPartUUID, info.UUID))
		}

		created, err := partitioning.Create(disk, table, emptyLabelIDs)
		if err != nil {
			return err
		}
		for id, info := range created {
			ctx.SetResolvedPath(id, fmt.Sprintf("%s/%s", constants.DiskByPartUUID, info.UUID))
		}
	}
	return nil
}

func (d *Driver) runRaidCreate(pctx context.Context, ctx *Context, syncTimeout time.Duration) error {
	for _, arr := range ctx.Spec.RaidArrays {
		var memberPaths []string
		for _, member := range arr.Devices {
			path, ok := ctx.GetBlockDevicePath(member)
			if !ok {
				return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("no resolved path for raid member %q", member))
			}
			memberPaths = append(memberPaths, path)
		}
		if err := raid.Create(pctx, d.Runner, arr, memberPaths, ctx.IsUKI); err != nil {
			return err
		}
		ctx.SetResolvedPath(arr.ID, fmt.Sprintf("%s/%s", constants.MdDeviceDir, arr.Name))
		if err := raid.WaitForSync(pctx, arr.Name, syncTimeout, d.readSyncAction); err != nil {
			return err
		}
	}
	return nil
}

// readSyncAction reads an MD array's sync_action sysfs attribute. No
// library in the stack wraps this one-line sysfs text read, so it stays
// on the standard library.
func (d *Driver) readSyncAction(arrayName string) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/sys/block/%s/md/sync_action", arrayName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// runEncryption provisions every declared volume on a clean install
// (format or reencrypt per ProvisionPlan, then TPM enrollment when a TPM
// is reachable) and opens it either way: an A/B update opens an already
// -provisioned volume without touching its keyslots.
func (d *Driver) runEncryption(pctx context.Context, ctx *Context) error {
	for _, vol := range ctx.Spec.EncryptedVolumes {
		devicePath, ok := ctx.GetBlockDevicePath(vol.DeviceID)
		if !ok {
			return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("no resolved device for encrypted volume %q", vol.ID))
		}

		if ctx.ServicingType == types.ServicingTypeCleanInstall {
			if err := os.MkdirAll(d.RecoveryKeyDir, constants.DirPerm); err != nil {
				return types.WrapServicingError(types.ErrorKindInternal, err, "failed to create recovery key directory")
			}
			recoveryKeyPath, err := encryption.GenerateRecoveryKey(d.RecoveryKeyDir)
			if err != nil {
				return err
			}
			if encryption.ProvisionPlan(d.ReencryptOnCleanInstall) == "reencrypt" {
				if err := encryption.Reencrypt(pctx, d.Runner, devicePath, recoveryKeyPath); err != nil {
					return err
				}
			} else if err := encryption.Format(pctx, d.Runner, devicePath, recoveryKeyPath); err != nil {
				return err
			}
			if encryption.TPMAccessible(pctx, d.Runner) {
				if err := encryption.ClearTPM(pctx, d.Runner); err != nil {
					return err
				}
				if err := encryption.EnrollTPM(pctx, d.Runner, devicePath, recoveryKeyPath); err != nil {
					return err
				}
			}
		}

		if err := encryption.Open(pctx, d.Runner, devicePath, vol.DeviceName); err != nil {
			return err
		}
		ctx.SetResolvedPath(vol.ID, fmt.Sprintf("/dev/mapper/%s", vol.DeviceName))
	}
	return nil
}

// runDeploy streams every COSI image whose mount point matches a
// source:image filesystem onto its resolved device, along with the
// matching verity hash-tree blob when the image carries one. Verity data
// devices are never fscked or resized.
func (d *Driver) runDeploy(pctx context.Context, ctx *Context, meta image.Metadata) error {
	for _, img := range meta.Images {
		fs := findFileSystemByMountPoint(ctx.Spec, img.MountPoint)
		if fs == nil || fs.Source != types.FileSystemSourceImage {
			continue
		}
		devicePath, ok := ctx.GetBlockDevicePath(fs.DeviceID)
		if !ok {
			return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("no resolved device for filesystem %q", img.MountPoint))
		}
		if err := deploy.Stream(pctx, ctx.Source, img, devicePath, d.sizeOf); err != nil {
			return err
		}

		verityDev := ctx.Spec.VerityDeviceByID(fs.DeviceID)
		for i := range ctx.Spec.VerityDevices {
			if verityDev == nil && ctx.Spec.VerityDevices[i].DataDeviceID == fs.DeviceID {
				verityDev = &ctx.Spec.VerityDevices[i]
			}
		}
		if img.Verity != nil && verityDev != nil {
			hashPath, ok := ctx.GetBlockDevicePath(verityDev.HashDeviceID)
			if !ok {
				return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("no resolved hash device for verity device %q", verityDev.ID))
			}
			if err := deploy.StreamVerityMetadata(pctx, ctx.Source, *img.Verity, hashPath, d.sizeOf); err != nil {
				return err
			}
			continue
		}

		if err := deploy.FinalizeWritable(pctx, d.Runner, img.FsType, devicePath); err != nil {
			return err
		}
	}
	return nil
}

// runVerity assembles every declared verity device once its data and hash
// blobs are in place. A clean install opens the device directly under its
// final name; an A/B update assembles under the staged "<name>_new" name
// and promotes it only after VerifyNotCorrupted succeeds, so a corrupted
// update never disturbs the currently booted side.
func (d *Driver) runVerity(pctx context.Context, ctx *Context, meta image.Metadata) error {
	for _, dev := range ctx.Spec.VerityDevices {
		for _, depID := range []string{dev.DataDeviceID, dev.HashDeviceID} {
			if arr := ctx.Spec.RaidArrayByID(depID); arr != nil {
				if err := verity.ClassifyForRaid(arr.Level); err != nil {
					return err
				}
			}
		}

		fs := findFileSystemByDeviceID(ctx.Spec, dev.DataDeviceID)
		if fs == nil {
			continue
		}
		img := findImageByMountPoint(meta, fs.MountPoint)
		if img == nil || img.Verity == nil {
			continue
		}

		dataPath, ok := ctx.GetBlockDevicePath(dev.DataDeviceID)
		if !ok {
			return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("no resolved data device for verity device %q", dev.ID))
		}
		hashPath, ok := ctx.GetBlockDevicePath(dev.HashDeviceID)
		if !ok {
			return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("no resolved hash device for verity device %q", dev.ID))
		}

		if ctx.ServicingType == types.ServicingTypeAbUpdate {
			staged := verity.StagedName(dev.Name)
			if err := verity.Open(pctx, d.Runner, staged, dataPath, hashPath, img.Verity.RootHash); err != nil {
				return err
			}
			if err := verity.VerifyNotCorrupted(pctx, d.Runner, staged); err != nil {
				return err
			}
			if err := verity.Promote(pctx, d.Runner, staged, dev.Name, dataPath, hashPath, img.Verity.RootHash); err != nil {
				return err
			}
		} else {
			if err := verity.Open(pctx, d.Runner, dev.Name, dataPath, hashPath, img.Verity.RootHash); err != nil {
				return err
			}
			if err := verity.VerifyNotCorrupted(pctx, d.Runner, dev.Name); err != nil {
				return err
			}
		}
		ctx.SetResolvedPath(dev.ID, fmt.Sprintf("/dev/mapper/%s", dev.Name))
	}
	return nil
}

// runFilesystems formats every source:new filesystem's resolved device.
// Image-sourced and adopted filesystems are never formatted.
func (d *Driver) runFilesystems(pctx context.Context, ctx *Context) error {
	var targets []filesystem.Target
	for _, fs := range ctx.Spec.FileSystems {
		if fs.Source != types.FileSystemSourceNew || fs.DeviceID == "" {
			continue
		}
		devicePath, ok := ctx.GetBlockDevicePath(fs.DeviceID)
		if !ok {
			return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("no resolved device for filesystem %q", fs.MountPoint))
		}
		targets = append(targets, filesystem.Target{ID: fs.DeviceID, DevicePath: devicePath, FsType: fs.NewFsType})
	}
	return filesystem.FormatAll(pctx, d.Runner, targets, 0)
}

// runFstab renders and writes /etc/fstab from the declared filesystems,
// resolving each one's device through ctx so an A/B pair lands on its
// update side.
func (d *Driver) runFstab(ctx *Context, meta image.Metadata) error {
	var mountPoints []tabfile.InternalMountPoint
	for _, fs := range ctx.Spec.FileSystems {
		if fs.MountPoint == "" {
			continue
		}
		fsType := fs.NewFsType
		if fsType == "" {
			if img := findImageByMountPoint(meta, fs.MountPoint); img != nil {
				fsType = img.FsType
			}
		}
		if fsType == "" {
			// Adopted filesystems carry no recorded on-disk type.
			fsType = types.FileSystemExt4
		}
		options := fs.Options
		if len(options) == 0 {
			options = constants.DefaultMountOptions(string(fsType))
		}
		mountPoints = append(mountPoints, tabfile.InternalMountPoint{
			Path:       fs.MountPoint,
			FileSystem: fsType,
			Options:    options,
			TargetID:   fs.DeviceID,
		})
	}

	table, err := tabfile.FromMountPoints(contextFstabResolver{ctx: ctx}, mountPoints)
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to render fstab")
	}
	if err := os.WriteFile(constants.FstabPath, []byte(table.Render()), constants.FilePerm); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to write fstab")
	}
	return nil
}

// contextFstabResolver adapts Context.GetBlockDevicePath's (string, bool)
// return shape to tabfile.BlockDevicePathResolver's (string, error) shape.
type contextFstabResolver struct{ ctx *Context }

func (r contextFstabResolver) GetBlockDevicePath(id string) (string, error) {
	path, ok := r.ctx.GetBlockDevicePath(id)
	if !ok {
		return "", types.NewServicingError(types.ErrorKindInternal, fmt.Sprintf("no resolved path for block device %q", id))
	}
	return path, nil
}

// runBootEntries points the firmware at this run's update side. BootManager
// is left nil by default: no production github.com/canonical/go-efilib
// adapter exists yet, so a nil manager skips this stage rather than
// touching firmware variables with an unverified implementation.
func (d *Driver) runBootEntries(pctx context.Context, ctx *Context, meta image.Metadata) error {
	if d.BootManager == nil {
		return nil
	}
	esp, err := meta.GetESPFilesystem()
	if err != nil {
		return types.WrapServicingError(types.ErrorKindInvalidInput, err, "failed to determine ESP image")
	}

	loaderPath := esp.File.Path
	if meta.IsUKI() && meta.Bootloader != nil && meta.Bootloader.SystemdBoot != nil && len(meta.Bootloader.SystemdBoot.Entries) == 1 {
		loaderPath = meta.Bootloader.SystemdBoot.Entries[0].Path
	}

	label := bootentries.Label(d.InstallID, updateSideLabel(ctx))
	_, err = bootentries.CreateOrUpdate(pctx, d.BootManager, label, loaderPath, bootentries.IsQemu())
	return err
}

// updateSideLabel reuses GetAbUpdateVolume's truth table to name which
// side of the install this run is servicing, for the boot-entry label.
func updateSideLabel(ctx *Context) types.AbVolume {
	active := types.AbVolumeNone
	if ctx.Status != nil {
		active = ctx.Status.AbActiveVolume
	}
	pair := types.AbVolumePair{VolumeA: string(types.AbVolumeA), VolumeB: string(types.AbVolumeB)}
	return types.AbVolume(GetAbUpdateVolume(pair, ctx.ServicingType, active))
}

func (d *Driver) sizeOf(devicePath string) (uint64, error) {
	if d.SizeOf != nil {
		return d.SizeOf(devicePath)
	}
	return blockDeviceSize(devicePath)
}

// blockDeviceSize reads a block device's size via the BLKGETSIZE64 ioctl,
// the same raw-ioctl style pkg/partitioning uses for BLKRRPART: no
// library in the stack wraps this one-off ioctl.
func blockDeviceSize(devicePath string) (uint64, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, errno
	}
	return size, nil
}

func raidSyncTimeout(cfg types.HostConfiguration) time.Duration {
	if cfg.RaidSyncTimeout != "" {
		if d, err := time.ParseDuration(cfg.RaidSyncTimeout); err == nil {
			return d
		}
	}
	return 10 * time.Minute
}

func findFileSystemByMountPoint(cfg types.HostConfiguration, mountPoint string) *types.FileSystem {
	for i := range cfg.FileSystems {
		if cfg.FileSystems[i].MountPoint == mountPoint {
			return &cfg.FileSystems[i]
		}
	}
	return nil
}

func findFileSystemByDeviceID(cfg types.HostConfiguration, deviceID string) *types.FileSystem {
	for i := range cfg.FileSystems {
		if cfg.FileSystems[i].DeviceID == deviceID {
			return &cfg.FileSystems[i]
		}
	}
	return nil
}

func findImageByMountPoint(meta image.Metadata, mountPoint string) *image.Image {
	for i := range meta.Images {
		if meta.Images[i].MountPoint == mountPoint {
			return &meta.Images[i]
		}
	}
	return nil
}
