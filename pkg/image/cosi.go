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

// Package image reads and validates Composable OS Image (COSI) archives.
// Metadata schema grounded on
// original_source/crates/trident/src/osimage/cosi/metadata.rs.
package image

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// MetadataVersion is the "<major>.<minor>" COSI spec version.
type MetadataVersion struct {
	Major uint32
	Minor uint32
}

func (v *MetadataVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	major, minor, found := strings.Cut(s, ".")
	if !found {
		return fmt.Errorf("cosi: version string must be in the format 'major.minor', got %q", s)
	}
	maj, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return fmt.Errorf("cosi: major version must be a valid uint32: %w", err)
	}
	min, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return fmt.Errorf("cosi: minor version must be a valid uint32: %w", err)
	}
	v.Major, v.Minor = uint32(maj), uint32(min)
	return nil
}

// ImageFile is the per-filesystem blob descriptor.
type ImageFile struct {
	Path             string `json:"path"`
	CompressedSize   uint64 `json:"compressedSize"`
	UncompressedSize uint64 `json:"uncompressedSize"`
	Sha384           string `json:"sha384"`
}

// VerityMetadata describes the optional Merkle hash blob for a filesystem.
type VerityMetadata struct {
	File     ImageFile `json:"image"`
	RootHash string    `json:"roothash"`
}

// Image describes one filesystem carried inside the COSI archive.
type Image struct {
	File       ImageFile             `json:"image"`
	MountPoint string                `json:"mountPoint"`
	FsType     types.FileSystemType  `json:"fsType"`
	FsUUID     string                `json:"fsUuid"`
	PartType   types.PartitionType   `json:"partType"`
	Verity     *VerityMetadata       `json:"verity,omitempty"`
}

func (i Image) IsESP() bool {
	return i.PartType == types.PartitionTypeESP
}

// BootloaderEntry is one systemd-boot UKI entry.
type BootloaderEntry struct {
	Type    string `json:"type"`
	Kernel  string `json:"kernel"`
	Path    string `json:"path"`
	Cmdline string `json:"cmdline"`
}

// SystemdBoot carries the systemd-boot bootloader section.
type SystemdBoot struct {
	Entries []BootloaderEntry `json:"entries"`
}

// Bootloader describes the bootloader shipped with the image.
type Bootloader struct {
	Type        string       `json:"type"`
	SystemdBoot *SystemdBoot `json:"systemdBoot,omitempty"`
}

// OsPackage is one package recorded in the image manifest.
type OsPackage struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Release *string `json:"release,omitempty"`
	Arch    *string `json:"arch,omitempty"`
}

// Metadata is the parsed metadata.json root manifest.
type Metadata struct {
	Version    MetadataVersion `json:"version"`
	OsArch     string          `json:"osArch"`
	Images     []Image         `json:"images"`
	OsPackages []OsPackage     `json:"osPackages,omitempty"`
	ID         string          `json:"id,omitempty"`
	Bootloader *Bootloader     `json:"bootloader,omitempty"`
}

// Validate enforces the rules ported from
// original_source/crates/trident/src/osimage/cosi/metadata.rs's validate().
func (m Metadata) Validate() error {
	seen := map[string]bool{}
	for _, img := range m.Images {
		if seen[img.MountPoint] {
			return types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("duplicate mount point: %q", img.MountPoint))
		}
		seen[img.MountPoint] = true
	}

	if m.Bootloader != nil {
		switch m.Bootloader.Type {
		case "grub":
			if m.Bootloader.SystemdBoot != nil {
				return types.NewServicingError(types.ErrorKindInvalidInput,
					"bootloader type 'grub' cannot have systemd-boot entries")
			}
		case "systemd-boot":
			sb := m.Bootloader.SystemdBoot
			if sb == nil || len(sb.Entries) != 1 {
				return types.NewServicingError(types.ErrorKindInvalidInput,
					"bootloader type 'systemd-boot' must have exactly one entry")
			}
			if sb.Entries[0].Type != "uki-standalone" {
				return types.NewServicingError(types.ErrorKindInvalidInput,
					fmt.Sprintf("unsupported boot entry type for 'systemd-boot': %s", sb.Entries[0].Type))
			}
		default:
			return types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("unsupported bootloader type: %s", m.Bootloader.Type))
		}
	} else if m.Version.Major > 1 || (m.Version.Major == 1 && m.Version.Minor > 0) {
		return types.NewServicingError(types.ErrorKindInvalidInput,
			"bootloader is required for COSI version >= 1.1, but not provided")
	}

	if m.Version.Major != 1 {
		return types.NewServicingError(types.ErrorKindUnsupported,
			fmt.Sprintf("unsupported COSI metadata version %d.%d", m.Version.Major, m.Version.Minor))
	}

	return nil
}

// IsUKI reports whether the image's bootloader is a standalone UKI.
func (m Metadata) IsUKI() bool {
	if m.Bootloader == nil || m.Bootloader.SystemdBoot == nil {
		return false
	}
	for _, e := range m.Bootloader.SystemdBoot.Entries {
		if e.Type == "uki-standalone" {
			return true
		}
	}
	return false
}

// GetESPFilesystem returns the single ESP image, erroring if there isn't
// exactly one, matching the original's exact error message shape.
func (m Metadata) GetESPFilesystem() (*Image, error) {
	var matches []*Image
	for i := range m.Images {
		if m.Images[i].IsESP() {
			matches = append(matches, &m.Images[i])
		}
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("expected exactly one ESP filesystem image, found %d", len(matches))
	}
	return matches[0], nil
}

// GetRegularFilesystems returns every image that is not the ESP.
func (m Metadata) GetRegularFilesystems() []Image {
	var out []Image
	for _, img := range m.Images {
		if !img.IsESP() {
			out = append(out, img)
		}
	}
	return out
}

// ParseMetadata reads and validates metadata.json bytes.
func ParseMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("cosi: failed to parse metadata.json: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// isMetadataEntry reports whether a tar entry name is metadata.json,
// stored at the archive root, under "./", or under any other directory.
func isMetadataEntry(name string) bool {
	clean := path.Clean(name)
	return clean == "metadata.json" || strings.HasSuffix(clean, "/metadata.json")
}

// ReadMetadataFromTar scans a tar stream for metadata.json and returns its
// parsed, validated contents. It does not assume entry ordering.
func ReadMetadataFromTar(r io.Reader) (Metadata, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Metadata{}, fmt.Errorf("cosi: failed reading tar archive: %w", err)
		}
		if isMetadataEntry(hdr.Name) {
			data, err := io.ReadAll(tr)
			if err != nil {
				return Metadata{}, fmt.Errorf("cosi: failed reading metadata.json: %w", err)
			}
			return ParseMetadata(data)
		}
	}
	return Metadata{}, types.NewServicingError(types.ErrorKindInvalidInput, "cosi archive has no metadata.json entry")
}
