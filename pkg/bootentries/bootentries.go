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

// Package bootentries manages UEFI boot entries for an A/B install.
// Grounded on original_source/src/engine/bootentries.rs's
// set_boot_next_and_update_boot_order and on
// github.com/canonical/go-efilib for the variable manipulation.
package bootentries

import (
	"context"
	"fmt"
	"strings"

	"github.com/canonical/go-efilib"
	"github.com/jaypipes/ghw"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// Label composes the firmware boot-entry description from the install ID
// and the A/B side, e.g. "tridentd-myhost-a".
func Label(installID string, side types.AbVolume) string {
	suffix := "a"
	if side == types.AbVolumeB {
		suffix = "b"
	}
	return fmt.Sprintf("tridentd-%s-%s", installID, suffix)
}

// Manager wraps the efilib variable-store calls needed to manage boot
// entries, isolated behind an interface so the 5-step algorithm can be
// unit tested without real firmware variables.
type Manager interface {
	ListEntries(ctx context.Context) ([]efi.LoadOption, error)
	ListEntryNumbers(ctx context.Context) ([]efi.BootOption, error)
	CreateEntry(ctx context.Context, label, loaderPath string) (efi.BootOption, error)
	DeleteEntry(ctx context.Context, number efi.BootOption) error
	GetBootOrder(ctx context.Context) ([]efi.BootOption, error)
	SetBootOrder(ctx context.Context, order []efi.BootOption) error
	SetBootNext(ctx context.Context, number efi.BootOption) error
}

// IsQemu reports whether the host's chassis/product strings indicate a
// QEMU virtual machine, via github.com/jaypipes/ghw, used to skip the
// BootOrder rewrite under virtualization the way the original's ad hoc
// DMI read did.
func IsQemu() bool {
	chassis, err := ghw.Chassis()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(chassis.Vendor), "qemu") ||
		strings.Contains(strings.ToLower(chassis.AssetTag), "qemu")
}

// CreateOrUpdate runs the 5-step algorithm: delete every pre-existing
// entry sharing label, create the new entry pointing at loaderPath,
// prepend it to BootOrder only if BootOrder doesn't already start with
// it (skipped entirely under QEMU), and set BootNext to the new entry.
func CreateOrUpdate(ctx context.Context, mgr Manager, label, loaderPath string, skipBootOrderRewrite bool) (efi.BootOption, error) {
	existing, err := mgr.ListEntries(ctx)
	if err != nil {
		return 0, types.WrapServicingError(types.ErrorKindServicing, err, "failed to list existing boot entries")
	}
	for _, e := range existing {
		if e.Description == label {
			if err := mgr.DeleteEntry(ctx, efi.BootOption(e.Number)); err != nil {
				return 0, types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to delete pre-existing boot entry %q", label))
			}
		}
	}

	newEntry, err := mgr.CreateEntry(ctx, label, loaderPath)
	if err != nil {
		return 0, types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to create boot entry %q", label))
	}

	if !skipBootOrderRewrite {
		order, err := mgr.GetBootOrder(ctx)
		if err != nil {
			return 0, types.WrapServicingError(types.ErrorKindServicing, err, "failed to read BootOrder")
		}
		if len(order) == 0 || order[0] != newEntry {
			newOrder := append([]efi.BootOption{newEntry}, order...)
			if err := mgr.SetBootOrder(ctx, dedupe(newOrder)); err != nil {
				return 0, types.WrapServicingError(types.ErrorKindServicing, err, "failed to update BootOrder")
			}
		}
	}

	if err := mgr.SetBootNext(ctx, newEntry); err != nil {
		return 0, types.WrapServicingError(types.ErrorKindServicing, err, "failed to set BootNext")
	}
	return newEntry, nil
}

func dedupe(order []efi.BootOption) []efi.BootOption {
	seen := map[efi.BootOption]bool{}
	var out []efi.BootOption
	for _, o := range order {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	return out
}

// PromoteBootCurrent is the post-reboot companion routine: it moves the
// entry matching BootCurrent to the front of BootOrder, confirming the
// firmware actually booted the entry the engine set as BootNext.
func PromoteBootCurrent(ctx context.Context, mgr Manager, bootCurrent efi.BootOption) error {
	order, err := mgr.GetBootOrder(ctx)
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to read BootOrder")
	}
	if len(order) > 0 && order[0] == bootCurrent {
		return nil
	}
	newOrder := append([]efi.BootOption{bootCurrent}, order...)
	if err := mgr.SetBootOrder(ctx, dedupe(newOrder)); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to promote BootCurrent in BootOrder")
	}
	return nil
}
