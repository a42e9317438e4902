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

// Package verity assembles and tears down dm-verity devices. Grounded
// on original_source/src/engine/storage/verity.rs.
package verity

import (
	"context"
	"fmt"
	"strings"

	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/runner"
	"github.com/elemental-toolkit/tridentd/pkg/types"
	"github.com/elemental-toolkit/tridentd/pkg/utils"
)

// StagedName returns the device-mapper name used while assembling a
// verity device before it is promoted to active, using the "<id>_new"
// naming convention.
func StagedName(id string) string {
	return id + constants.VerityNewSuffix
}

// Open runs veritysetup open in mandatory verification mode (no
// ignore-corruption, no restart-on-corruption): corruption must fail
// the mount outright.
func Open(ctx context.Context, r runner.Runner, name, dataDevice, hashDevice, rootHash string) error {
	args := []string{"open", dataDevice, name, hashDevice, rootHash}
	if _, err := r.RunContext(ctx, "veritysetup", args...); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("veritysetup open failed for %q", name))
	}
	return nil
}

// Status reports the dm-verity device's current status string ("verity",
// "corrupted", ...) via dmsetup status.
func Status(ctx context.Context, r runner.Runner, name string) (string, error) {
	out, err := r.RunContext(ctx, "dmsetup", "status", name)
	if err != nil {
		return "", types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to read status for %q", name))
	}
	return strings.TrimSpace(string(out)), nil
}

// Close tears down a dm-verity mapping.
func Close(ctx context.Context, r runner.Runner, name string) error {
	if _, err := r.RunContext(ctx, "veritysetup", "close", name); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("veritysetup close failed for %q", name))
	}
	return nil
}

// VerifyNotCorrupted checks the assembled device's status and, if
// corrupted, closes it and returns a servicing error. The device must
// never be left mounted corrupted, matching original_source's exact
// close-then-fail sequence.
func VerifyNotCorrupted(ctx context.Context, r runner.Runner, name string) error {
	status, err := Status(ctx, r, name)
	if err != nil {
		return err
	}
	if strings.Contains(status, "corrupted") {
		_ = Close(ctx, r, name)
		return types.NewServicingError(types.ErrorKindServicing, fmt.Sprintf("verity device %q reports corrupted status after assembly", name))
	}
	return nil
}

// LiveDevice describes an already-assembled verity mapping, for the
// stop-pre-existing safety check.
type LiveDevice struct {
	Name         string
	BackingDisks map[string]bool
}

// StopPreExisting closes every live verity device whose backing disks are
// a subset of the configured disks, leaves disjoint devices alone, and
// fails on overlap, sharing the exact rule used by pkg/raid.
func StopPreExisting(ctx context.Context, r runner.Runner, live []LiveDevice, configuredDisks map[string]bool) error {
	for _, d := range live {
		switch utils.ClassifyDiskOverlap(d.BackingDisks, configuredDisks) {
		case utils.DiskRelationshipDisjoint:
			continue
		case utils.DiskRelationshipOverlap:
			return types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("verity device %q backing disks partially overlap the configured disks; refusing to stop it", d.Name))
		case utils.DiskRelationshipSubset:
			if err := Close(ctx, r, d.Name); err != nil {
				return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to close pre-existing verity device %q", d.Name))
			}
		}
	}
	return nil
}

// Promote renames a staged "<id>_new" mapping to its final active name
// once assembly and verification succeed. dm-verity devices cannot be
// renamed in place, so this closes the staged mapping and re-opens it
// under the final name, matching original_source's staged-then-promote
// sequence for A/B verity updates.
func Promote(ctx context.Context, r runner.Runner, stagedName, finalName, dataDevice, hashDevice, rootHash string) error {
	if err := Close(ctx, r, stagedName); err != nil {
		return err
	}
	return Open(ctx, r, finalName, dataDevice, hashDevice, rootHash)
}

// AssembleWithSignature wraps Open+VerifyNotCorrupted with a caller-
// supplied mount guard for the optional root-hash-signature flow: some
// deployments mount a small signature partition to fetch the detached
// signature before opening the device, and it must be unmounted whether
// or not assembly succeeds. The guard is built by the caller (typically
// backed by pkg/utils.Guard over a k8s.io/mount-utils mount/unmount
// pair) so this package stays free of mount-specific logic.
func AssembleWithSignature(ctx context.Context, r runner.Runner, guard *utils.Guard, name, dataDevice, hashDevice, rootHash string) error {
	defer guard.Close()
	if err := Open(ctx, r, name, dataDevice, hashDevice, rootHash); err != nil {
		return err
	}
	return VerifyNotCorrupted(ctx, r, name)
}

// ClassifyForRaid maps a verity device's backing role (data or hash) onto
// a types.RaidLevel requirement the same way pkg/graph does for ESP
// arrays, so verity-over-RAID configurations share one validation point.
func ClassifyForRaid(level types.RaidLevel) error {
	if level != types.RaidLevel1 {
		return types.NewServicingError(types.ErrorKindUnsupported, "verity devices backed by RAID require RAID1")
	}
	return nil
}
