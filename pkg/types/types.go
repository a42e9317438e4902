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

// Package types holds the shared data model for the servicing engine:
// the declarative host configuration, the persisted host status, and
// the block-device entities that make up a storage stack.
package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// PartitionType enumerates the GPT partition roles the engine understands.
type PartitionType string

const (
	PartitionTypeESP          PartitionType = "esp"
	PartitionTypeRoot         PartitionType = "root"
	PartitionTypeHome         PartitionType = "home"
	PartitionTypeSwap         PartitionType = "swap"
	PartitionTypeSrv          PartitionType = "srv"
	PartitionTypeTmp          PartitionType = "tmp"
	PartitionTypeUsr          PartitionType = "usr"
	PartitionTypeVar          PartitionType = "var"
	PartitionTypeXbootldr     PartitionType = "xbootldr"
	PartitionTypeLinuxGeneric PartitionType = "linux-generic"
	PartitionTypeRootVerity   PartitionType = "root-verity"
)

// FileSystemSource classifies where the bytes of a filesystem come from.
type FileSystemSource string

const (
	FileSystemSourceImage   FileSystemSource = "image"
	FileSystemSourceNew     FileSystemSource = "new"
	FileSystemSourceAdopted FileSystemSource = "adopted"
)

// FileSystemType is the on-disk format of a filesystem.
type FileSystemType string

const (
	FileSystemExt4    FileSystemType = "ext4"
	FileSystemExt3    FileSystemType = "ext3"
	FileSystemVfat    FileSystemType = "vfat"
	FileSystemXfs     FileSystemType = "xfs"
	FileSystemSwap    FileSystemType = "swap"
	FileSystemTmpfs   FileSystemType = "tmpfs"
	FileSystemOverlay FileSystemType = "overlay"
)

// RaidLevel is the mdadm RAID level.
type RaidLevel int

const (
	RaidLevel0  RaidLevel = 0
	RaidLevel1  RaidLevel = 1
	RaidLevel5  RaidLevel = 5
	RaidLevel6  RaidLevel = 6
	RaidLevel10 RaidLevel = 10
)

// ServicingState is the persisted lifecycle state of the host.
type ServicingState string

const (
	ServicingStateNotProvisioned           ServicingState = "not-provisioned"
	ServicingStateCleanInstallStaged       ServicingState = "clean-install-staged"
	ServicingStateCleanInstallFinalized    ServicingState = "clean-install-finalized"
	ServicingStateProvisioned              ServicingState = "provisioned"
	ServicingStateAbUpdateStaged           ServicingState = "ab-update-staged"
	ServicingStateAbUpdateFinalized        ServicingState = "ab-update-finalized"
	ServicingStateAbUpdateHealthCheckFailed ServicingState = "ab-update-health-check-failed"
)

// ServicingType is the decision the driver makes for the current run.
type ServicingType string

const (
	ServicingTypeCleanInstall      ServicingType = "clean-install"
	ServicingTypeAbUpdate          ServicingType = "ab-update"
	ServicingTypeNoActiveServicing ServicingType = "no-active-servicing"
	ServicingTypeRaidRebuild       ServicingType = "raid-rebuild"
)

// AbVolume identifies a side of an A/B pair.
type AbVolume string

const (
	AbVolumeA    AbVolume = "a"
	AbVolumeB    AbVolume = "b"
	AbVolumeNone AbVolume = "none"
)

// Disk declares one physical disk and the partitions it should contain.
type Disk struct {
	ID                 string              `yaml:"id" mapstructure:"id" json:"id"`
	DevicePath         string              `yaml:"device_path" mapstructure:"device_path" json:"devicePath"`
	PartitionTableType string              `yaml:"partition_table_type" mapstructure:"partition_table_type" json:"partitionTableType"`
	Partitions         []Partition         `yaml:"partitions,omitempty" mapstructure:"partitions" json:"partitions,omitempty"`
	AdoptedPartitions  []AdoptedPartition  `yaml:"adopted_partitions,omitempty" mapstructure:"adopted_partitions" json:"adoptedPartitions,omitempty"`
}

func (d Disk) Sanitize() error {
	if d.ID == "" {
		return errors.New("disk: id must not be empty")
	}
	if d.PartitionTableType != "gpt" {
		return errors.Errorf("disk %q: only gpt partition tables are supported, got %q", d.ID, d.PartitionTableType)
	}
	seen := map[string]bool{}
	for _, p := range d.Partitions {
		if err := p.Sanitize(); err != nil {
			return errors.Wrapf(err, "disk %q", d.ID)
		}
		if seen[p.ID] {
			return errors.Errorf("disk %q: duplicate partition id %q", d.ID, p.ID)
		}
		seen[p.ID] = true
	}
	for _, a := range d.AdoptedPartitions {
		if err := a.Sanitize(); err != nil {
			return errors.Wrapf(err, "disk %q", d.ID)
		}
		if seen[a.ID] {
			return errors.Errorf("disk %q: duplicate partition id %q", d.ID, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Partition declares a new GPT partition to be created.
type Partition struct {
	ID            string        `yaml:"id" mapstructure:"id" json:"id"`
	PartitionType PartitionType `yaml:"partition_type" mapstructure:"partition_type" json:"partitionType"`
	Size          PartitionSize `yaml:"size" mapstructure:"size" json:"size"`
}

func (p Partition) Sanitize() error {
	if p.ID == "" {
		return errors.New("partition: id must not be empty")
	}
	switch p.PartitionType {
	case PartitionTypeESP, PartitionTypeRoot, PartitionTypeHome, PartitionTypeSwap,
		PartitionTypeSrv, PartitionTypeTmp, PartitionTypeUsr, PartitionTypeVar,
		PartitionTypeXbootldr, PartitionTypeLinuxGeneric, PartitionTypeRootVerity:
	default:
		return errors.Errorf("partition %q: unknown partition_type %q", p.ID, p.PartitionType)
	}
	return nil
}

// AdoptedPartition matches an existing partition by label or UUID, exclusively.
type AdoptedPartition struct {
	ID         string `yaml:"id" mapstructure:"id" json:"id"`
	MatchLabel string `yaml:"match_label,omitempty" mapstructure:"match_label" json:"matchLabel,omitempty"`
	MatchUUID  string `yaml:"match_uuid,omitempty" mapstructure:"match_uuid" json:"matchUUID,omitempty"`
}

func (a AdoptedPartition) Sanitize() error {
	if a.ID == "" {
		return errors.New("adopted_partition: id must not be empty")
	}
	hasLabel := a.MatchLabel != ""
	hasUUID := a.MatchUUID != ""
	if hasLabel == hasUUID {
		return errors.Errorf("adopted_partition %q: exactly one of match_label or match_uuid must be set", a.ID)
	}
	return nil
}

// SoftwareRaidArray declares one mdadm array built from partitions.
type SoftwareRaidArray struct {
	ID      string    `yaml:"id" mapstructure:"id" json:"id"`
	Name    string    `yaml:"name" mapstructure:"name" json:"name"`
	Level   RaidLevel `yaml:"level" mapstructure:"level" json:"level"`
	Devices []string  `yaml:"devices" mapstructure:"devices" json:"devices"`
}

func (r SoftwareRaidArray) Sanitize() error {
	if r.ID == "" || r.Name == "" {
		return errors.New("raid array: id and name must not be empty")
	}
	switch r.Level {
	case RaidLevel0, RaidLevel1, RaidLevel5, RaidLevel6, RaidLevel10:
	default:
		return errors.Errorf("raid array %q: unsupported level %d", r.ID, r.Level)
	}
	if len(r.Devices) == 0 {
		return errors.Errorf("raid array %q: must declare at least one member device", r.ID)
	}
	return nil
}

// EncryptedVolume declares a LUKS2 volume over an existing device.
type EncryptedVolume struct {
	ID         string `yaml:"id" mapstructure:"id" json:"id"`
	DeviceName string `yaml:"device_name" mapstructure:"device_name" json:"deviceName"`
	DeviceID   string `yaml:"device_id" mapstructure:"device_id" json:"deviceID"`
}

func (e EncryptedVolume) Sanitize() error {
	if e.ID == "" || e.DeviceName == "" || e.DeviceID == "" {
		return errors.New("encrypted_volume: id, device_name and device_id must not be empty")
	}
	return nil
}

// VerityDevice declares a dm-verity device over a data + hash device pair.
type VerityDevice struct {
	ID           string `yaml:"id" mapstructure:"id" json:"id"`
	Name         string `yaml:"name" mapstructure:"name" json:"name"`
	DataDeviceID string `yaml:"data_device_id" mapstructure:"data_device_id" json:"dataDeviceID"`
	HashDeviceID string `yaml:"hash_device_id" mapstructure:"hash_device_id" json:"hashDeviceID"`
}

func (v VerityDevice) Sanitize() error {
	if v.ID == "" || v.Name == "" || v.DataDeviceID == "" || v.HashDeviceID == "" {
		return errors.New("verity_device: id, name, data_device_id and hash_device_id must not be empty")
	}
	return nil
}

// AbVolumePair declares two interchangeable block-device IDs, one active at a time.
type AbVolumePair struct {
	ID       string `yaml:"id" mapstructure:"id" json:"id"`
	VolumeA  string `yaml:"volume_a_id" mapstructure:"volume_a_id" json:"volumeAID"`
	VolumeB  string `yaml:"volume_b_id" mapstructure:"volume_b_id" json:"volumeBID"`
}

func (p AbVolumePair) Sanitize() error {
	if p.ID == "" || p.VolumeA == "" || p.VolumeB == "" {
		return errors.New("ab_volume_pair: id, volume_a_id and volume_b_id must not be empty")
	}
	if p.VolumeA == p.VolumeB {
		return errors.Errorf("ab_volume_pair %q: volume_a_id and volume_b_id must differ", p.ID)
	}
	return nil
}

// FileSystem declares the mount and origin of one filesystem.
type FileSystem struct {
	DeviceID   string           `yaml:"device_id,omitempty" mapstructure:"device_id" json:"deviceID,omitempty"`
	Source     FileSystemSource `yaml:"source" mapstructure:"source" json:"source"`
	NewFsType  FileSystemType   `yaml:"new_fs_type,omitempty" mapstructure:"new_fs_type" json:"newFsType,omitempty"`
	MountPoint string           `yaml:"mount_point,omitempty" mapstructure:"mount_point" json:"mountPoint,omitempty"`
	Options    []string         `yaml:"options,omitempty" mapstructure:"options" json:"options,omitempty"`
}

func (f FileSystem) Sanitize() error {
	switch f.Source {
	case FileSystemSourceImage, FileSystemSourceNew, FileSystemSourceAdopted:
	default:
		return errors.Errorf("filesystem: unknown source %q", f.Source)
	}
	if f.Source == FileSystemSourceNew && f.NewFsType == "" {
		return errors.New("filesystem: source 'new' requires new_fs_type")
	}
	return nil
}

// OsImage is the COSI source declaration.
type OsImage struct {
	URL             string `yaml:"url" mapstructure:"url" json:"url"`
	ExpectedSha384  string `yaml:"expected_sha384,omitempty" mapstructure:"expected_sha384" json:"expectedSha384,omitempty"`
	Ignored         bool   `yaml:"ignored,omitempty" mapstructure:"ignored" json:"ignored,omitempty"`
}

func (o OsImage) Sanitize() error {
	if o.URL == "" {
		return errors.New("os_image: url must not be empty")
	}
	if o.ExpectedSha384 == "" && !o.Ignored {
		return errors.New("os_image: expected_sha384 must be set unless explicitly ignored")
	}
	return nil
}

// HostConfiguration is the top-level declarative input to the engine.
type HostConfiguration struct {
	Disks             []Disk              `yaml:"disks" mapstructure:"disks" json:"disks"`
	RaidArrays        []SoftwareRaidArray `yaml:"raid_arrays,omitempty" mapstructure:"raid_arrays" json:"raidArrays,omitempty"`
	EncryptedVolumes  []EncryptedVolume   `yaml:"encrypted_volumes,omitempty" mapstructure:"encrypted_volumes" json:"encryptedVolumes,omitempty"`
	VerityDevices     []VerityDevice      `yaml:"verity_devices,omitempty" mapstructure:"verity_devices" json:"verityDevices,omitempty"`
	AbVolumePairs     []AbVolumePair      `yaml:"ab_volume_pairs,omitempty" mapstructure:"ab_volume_pairs" json:"abVolumePairs,omitempty"`
	FileSystems       []FileSystem        `yaml:"filesystems" mapstructure:"filesystems" json:"filesystems"`
	OsImage           OsImage             `yaml:"os_image" mapstructure:"os_image" json:"osImage"`
	RaidSyncTimeout   string              `yaml:"raid_sync_timeout,omitempty" mapstructure:"raid_sync_timeout" json:"raidSyncTimeout,omitempty"`
	VeritySignaturePaths map[string]string `yaml:"verity_signature_paths,omitempty" mapstructure:"verity_signature_paths" json:"veritySignaturePaths,omitempty"`
}

// Sanitize validates every static rule that does not require the
// storage graph: unique IDs, unique non-empty disk device paths,
// exactly-one-of fields, and each entity's own Sanitize.
func (h HostConfiguration) Sanitize() error {
	ids := map[string]bool{}
	addID := func(kind, id string) error {
		if id == "" {
			return errors.Errorf("%s: id must not be empty", kind)
		}
		if ids[id] {
			return errors.Errorf("duplicate block device id %q", id)
		}
		ids[id] = true
		return nil
	}

	devicePaths := map[string]string{}
	for _, d := range h.Disks {
		if err := addID("disk", d.ID); err != nil {
			return err
		}
		if err := d.Sanitize(); err != nil {
			return err
		}
		if d.DevicePath != "" {
			if owner, ok := devicePaths[d.DevicePath]; ok {
				return errors.Errorf("device_path %q is declared by both disk %q and disk %q", d.DevicePath, owner, d.ID)
			}
			devicePaths[d.DevicePath] = d.ID
		}
		for _, p := range d.Partitions {
			if err := addID("partition", p.ID); err != nil {
				return err
			}
		}
		for _, a := range d.AdoptedPartitions {
			if err := addID("adopted_partition", a.ID); err != nil {
				return err
			}
		}
	}
	for _, r := range h.RaidArrays {
		if err := addID("raid_array", r.ID); err != nil {
			return err
		}
		if err := r.Sanitize(); err != nil {
			return err
		}
	}
	for _, e := range h.EncryptedVolumes {
		if err := addID("encrypted_volume", e.ID); err != nil {
			return err
		}
		if err := e.Sanitize(); err != nil {
			return err
		}
	}
	for _, v := range h.VerityDevices {
		if err := addID("verity_device", v.ID); err != nil {
			return err
		}
		if err := v.Sanitize(); err != nil {
			return err
		}
	}
	for _, p := range h.AbVolumePairs {
		if err := addID("ab_volume_pair", p.ID); err != nil {
			return err
		}
		if err := p.Sanitize(); err != nil {
			return err
		}
	}
	mountPoints := map[string]bool{}
	for _, fs := range h.FileSystems {
		if err := fs.Sanitize(); err != nil {
			return err
		}
		if fs.MountPoint != "" {
			if mountPoints[fs.MountPoint] {
				return errors.Errorf("duplicate mount point %q", fs.MountPoint)
			}
			mountPoints[fs.MountPoint] = true
		}
	}
	if err := h.OsImage.Sanitize(); err != nil {
		return err
	}
	return nil
}

// HostStatus is the persisted state surviving across servicing runs.
type HostStatus struct {
	Spec             HostConfiguration       `json:"spec"`
	ServicingState   ServicingState          `json:"servicingState"`
	PartitionPaths   map[string]string       `json:"partitionPaths"`
	DiskUUIDs        map[string]string       `json:"diskUUIDs"`
	AbActiveVolume   AbVolume                `json:"abActiveVolume"`
	InstallIndex     uint32                  `json:"installIndex"`
	LastError        string                  `json:"lastError,omitempty"`
}

// NewHostStatus returns a freshly initialized, not-provisioned status.
func NewHostStatus() *HostStatus {
	return &HostStatus{
		ServicingState: ServicingStateNotProvisioned,
		PartitionPaths: map[string]string{},
		DiskUUIDs:      map[string]string{},
		AbActiveVolume: AbVolumeNone,
	}
}

// String renders a human label for a partition type, used in error messages.
func (p PartitionType) String() string {
	return string(p)
}

// ErrorKind classifies a ServicingError by who's responsible for fixing
// it: bad input, a failed operation against the host, an internal bug,
// or a request for something this build doesn't support.
type ErrorKind string

const (
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindServicing    ErrorKind = "servicing"
	ErrorKindInternal     ErrorKind = "internal"
	ErrorKindUnsupported  ErrorKind = "unsupported"
)

// ServicingError carries a machine-readable kind plus a human-diagnosable
// chain of contexts.
type ServicingError struct {
	Kind  ErrorKind
	cause error
}

func NewServicingError(kind ErrorKind, msg string) *ServicingError {
	return &ServicingError{Kind: kind, cause: errors.New(msg)}
}

func WrapServicingError(kind ErrorKind, cause error, msg string) *ServicingError {
	return &ServicingError{Kind: kind, cause: errors.Wrap(cause, msg)}
}

func (e *ServicingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.cause.Error())
}

func (e *ServicingError) Unwrap() error {
	return e.cause
}

// Context wraps the error with an additional message, preserving Kind.
func (e *ServicingError) Context(msg string) *ServicingError {
	return &ServicingError{Kind: e.Kind, cause: errors.Wrap(e.cause, msg)}
}
