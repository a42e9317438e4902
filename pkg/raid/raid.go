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

// Package raid creates, syncs, stops, and rebuilds MD arrays. Grounded
// on original_source/src/engine/storage/raid.rs and
// original_source/src/engine/storage/rebuild.rs.
package raid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/runner"
	"github.com/elemental-toolkit/tridentd/pkg/types"
	"github.com/elemental-toolkit/tridentd/pkg/utils"
)

// Create assembles a new MD array via mdadm --create. The array's
// homehost is set to "any" when the image is a UKI, since a UKI boots
// outside the context of a fixed hostname; otherwise mdadm's default
// homehost (the local hostname) is used by omitting the flag.
func Create(ctx context.Context, r runner.Runner, arr types.SoftwareRaidArray, memberPaths []string, isUKI bool) error {
	args := []string{
		"--create", filepath.Join(constants.MdDeviceDir, arr.Name),
		"--level", strconv.Itoa(int(arr.Level)),
		"--raid-devices", strconv.Itoa(len(memberPaths)),
		"--metadata=1.2",
		"--run",
	}
	if isUKI {
		args = append(args, "--homehost="+constants.RaidHomehostAny)
	}
	args = append(args, memberPaths...)

	if _, err := r.RunContext(ctx, "mdadm", args...); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("mdadm create failed for array %q", arr.Name))
	}
	return waitForPath(ctx, filepath.Join(constants.MdDeviceDir, arr.Name))
}

func waitForPath(ctx context.Context, path string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.NewServicingError(types.ErrorKindServicing, fmt.Sprintf("symlink %q never appeared", path))
		case <-ticker.C:
		}
	}
}

// WaitForSync polls the array's sync_action sysfs attribute with
// exponential backoff (5s -> doubling -> 60s cap), bounded by syncTimeout,
// until it reports idle. readSyncAction is injected so tests do not touch
// real sysfs.
func WaitForSync(ctx context.Context, arrayName string, syncTimeout time.Duration, readSyncAction func(string) (string, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.RaidSyncInitial
	b.Multiplier = constants.RaidSyncMultiplier
	b.MaxInterval = constants.RaidSyncMaxInterval
	b.MaxElapsedTime = syncTimeout

	op := func() error {
		status, err := readSyncAction(arrayName)
		if err != nil {
			return backoff.Permanent(types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed reading sync_action for %q", arrayName)))
		}
		if strings.TrimSpace(status) != constants.RaidSyncActionIdle {
			return fmt.Errorf("array %q sync_action is %q, not idle", arrayName, status)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("timed out waiting for array %q to finish syncing", arrayName))
	}
	return nil
}

// LiveArray describes an array already assembled on the host, for the
// stop-pre-existing-arrays safety check.
type LiveArray struct {
	Name         string
	BackingDisks map[string]bool
}

// StopPreExisting stops every live array whose backing disks are a subset
// of the configured disks (safe), leaves alone any array whose backing
// disks are disjoint from the configured set, and fails fatally on
// overlap.
func StopPreExisting(ctx context.Context, r runner.Runner, live []LiveArray, configuredDisks map[string]bool) error {
	for _, arr := range live {
		switch utils.ClassifyDiskOverlap(arr.BackingDisks, configuredDisks) {
		case utils.DiskRelationshipDisjoint:
			continue
		case utils.DiskRelationshipOverlap:
			return types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("array %q backing disks partially overlap the configured disks; refusing to stop it", arr.Name))
		case utils.DiskRelationshipSubset:
			if _, err := r.RunContext(ctx, "mdadm", "--stop", filepath.Join(constants.MdDeviceDir, arr.Name)); err != nil {
				return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to stop pre-existing array %q", arr.Name))
			}
		}
	}
	return nil
}

// GetDisksToRebuild returns the IDs of disks whose current GPT GUID
// differs from the GUID recorded at last provisioning.
func GetDisksToRebuild(recorded map[string]string, observed map[string]string) []string {
	var out []string
	for id, want := range recorded {
		if got, ok := observed[id]; !ok || got != want {
			out = append(out, id)
		}
	}
	return out
}

// ValidateRecovery rejects a rebuild plan in which, for some array, every
// member partition lives on a disk marked for rebuild: there would be no
// surviving copy of the data to rebuild from.
func ValidateRecovery(cfg types.HostConfiguration, disksToRebuild []string) error {
	rebuildSet := map[string]bool{}
	for _, d := range disksToRebuild {
		rebuildSet[d] = true
	}
	for _, arr := range cfg.RaidArrays {
		allOnRebuildDisks := true
		for _, member := range arr.Devices {
			ownerDisk := cfg.DiskOwning(member)
			if !rebuildSet[ownerDisk] {
				allOnRebuildDisks = false
				break
			}
		}
		if allOnRebuildDisks {
			return types.NewServicingError(types.ErrorKindUnsupported,
				fmt.Sprintf("recovery not possible: every member of array %q resides on a disk marked for rebuild", arr.ID))
		}
	}
	return nil
}

// RebuildArray adds newMemberPaths to an already-assembled array with
// mdadm --add, one call per member.
func RebuildArray(ctx context.Context, r runner.Runner, arrayName string, newMemberPaths []string) error {
	for _, member := range newMemberPaths {
		if _, err := r.RunContext(ctx, "mdadm", "--manage", filepath.Join(constants.MdDeviceDir, arrayName), "--add", member); err != nil {
			return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("mdadm --add failed for array %q, member %q", arrayName, member))
		}
	}
	return nil
}

// RenderMdadmConf renders the content of /etc/mdadm/mdadm.conf listing
// every array by name and UUID.
func RenderMdadmConf(arrays map[string]string) string {
	var b strings.Builder
	b.WriteString("# Generated by the servicing engine. Do not edit.\n")
	for name, uuid := range arrays {
		fmt.Fprintf(&b, "ARRAY %s UUID=%s\n", filepath.Join(constants.MdDeviceDir, name), uuid)
	}
	return b.String()
}
