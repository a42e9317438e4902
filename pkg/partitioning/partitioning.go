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

// Package partitioning implements the three-phase GPT algorithm: a
// non-destructive safety check, adoption of existing partitions by
// label-xor-uuid match, and creation of new partitions. Grounded on
// original_source/src/engine/storage/partitioning.rs.
package partitioning

import (
	"fmt"
	"sort"

	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// PartitionInfo describes one partition as currently laid out on disk.
type PartitionInfo struct {
	Number    int
	Label     string
	UUID      string
	SizeBytes uint64
}

// DiskTable abstracts the GPT operations partitioning needs, so the
// adopt/create/safety-check algorithm can be tested without a real block
// device. OpenDiskTable (in diskfs_table.go) returns the production
// implementation backed by github.com/diskfs/go-diskfs.
type DiskTable interface {
	ListPartitions() ([]PartitionInfo, error)
	IsDiskMounted() (bool, error)
	IsPartitionMounted(number int) (bool, error)
	DeletePartition(number int) error
	CreatePartition(label string, ptype types.PartitionType, sizeBytes uint64) (PartitionInfo, error)
	FreeBytes() (uint64, error)
	Write() error
	DiskGUID() (string, error)
}

// SafetyCheck implements the non-destructive check: abort if the disk
// itself is mounted, or if any currently mounted partition would not be
// matched by the adoption plan.
func SafetyCheck(disk types.Disk, table DiskTable) error {
	mounted, err := table.IsDiskMounted()
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to check whether disk is mounted")
	}
	if mounted {
		return types.NewServicingError(types.ErrorKindInvalidInput, fmt.Sprintf("disk %q is mounted and cannot be repartitioned", disk.ID))
	}

	existing, err := table.ListPartitions()
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to enumerate existing partitions")
	}

	matched, err := matchAdoptions(disk.AdoptedPartitions, existing)
	if err != nil {
		return err
	}
	matchedNumbers := map[int]bool{}
	for _, m := range matched {
		matchedNumbers[m.partition.Number] = true
	}

	for _, p := range existing {
		isMounted, err := table.IsPartitionMounted(p.Number)
		if err != nil {
			return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to check whether partition %d is mounted", p.Number))
		}
		if isMounted && !matchedNumbers[p.Number] {
			return types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("partition %d (label %q) is currently mounted and would not be retained by the adoption plan", p.Number, p.Label))
		}
	}
	return nil
}

type adoptionMatch struct {
	id        string
	partition PartitionInfo
}

// matchAdoptions finds exactly one matching partition per AdoptedPartition
// declaration, enforcing an "exactly one matches" rule with the
// label-XOR-uuid semantics from original_source's adopt_partitions.
func matchAdoptions(adopted []types.AdoptedPartition, existing []PartitionInfo) ([]adoptionMatch, error) {
	var out []adoptionMatch
	for _, a := range adopted {
		var matches []PartitionInfo
		for _, p := range existing {
			if a.MatchLabel != "" && p.Label == a.MatchLabel {
				matches = append(matches, p)
			} else if a.MatchUUID != "" && p.UUID == a.MatchUUID {
				matches = append(matches, p)
			}
		}
		key := a.MatchLabel
		if key == "" {
			key = a.MatchUUID
		}
		if len(matches) != 1 {
			return nil, types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("expected exactly one partition with label %q, found %d", key, len(matches)))
		}
		out = append(out, adoptionMatch{id: a.ID, partition: matches[0]})
	}
	return out, nil
}

// AdoptionResult is the outcome of running the adoption phase.
type AdoptionResult struct {
	// Retained maps adopted block-device ID to its matched partition.
	Retained map[string]PartitionInfo
	// Deleted holds the partition numbers removed because they matched no
	// adoption entry.
	Deleted []int
}

// Adopt runs the adoption phase: match every AdoptedPartition, retain
// matches, and delete every existing partition that matched nothing.
// Adopted partitions are processed in logical (partition-number) order to
// make the deletion set deterministic.
func Adopt(disk types.Disk, table DiskTable) (AdoptionResult, error) {
	existing, err := table.ListPartitions()
	if err != nil {
		return AdoptionResult{}, types.WrapServicingError(types.ErrorKindServicing, err, "failed to enumerate existing partitions")
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Number < existing[j].Number })

	matches, err := matchAdoptions(disk.AdoptedPartitions, existing)
	if err != nil {
		return AdoptionResult{}, err
	}

	retained := map[string]PartitionInfo{}
	retainedNumbers := map[int]bool{}
	for _, m := range matches {
		retained[m.id] = m.partition
		retainedNumbers[m.partition.Number] = true
	}

	var deleted []int
	for _, p := range existing {
		if !retainedNumbers[p.Number] {
			if err := table.DeletePartition(p.Number); err != nil {
				return AdoptionResult{}, types.WrapServicingError(types.ErrorKindServicing, err,
					fmt.Sprintf("failed to delete unmatched partition %d", p.Number))
			}
			deleted = append(deleted, p.Number)
		}
	}

	return AdoptionResult{Retained: retained, Deleted: deleted}, nil
}

// Create runs the creation phase: append every declared Partition with its
// type and size. Grow sizes consume remaining free space. emptyLabelIDs
// names the block-device IDs that should be labeled "_empty" instead of
// their own ID (the inactive side of an A/B pair).
func Create(disk types.Disk, table DiskTable, emptyLabelIDs map[string]bool) (map[string]PartitionInfo, error) {
	created := map[string]PartitionInfo{}

	var growPartitions []types.Partition
	fixedTotal := uint64(0)
	for _, p := range disk.Partitions {
		if p.Size.IsGrow() {
			growPartitions = append(growPartitions, p)
		} else {
			fixedTotal += p.Size.Bytes
		}
	}

	free, err := table.FreeBytes()
	if err != nil {
		return nil, types.WrapServicingError(types.ErrorKindServicing, err, "failed to compute free space")
	}
	growShare := uint64(0)
	if len(growPartitions) > 0 && free > fixedTotal {
		growShare = (free - fixedTotal) / uint64(len(growPartitions))
	}

	for _, p := range disk.Partitions {
		size := p.Size.Bytes
		if p.Size.IsGrow() {
			size = growShare
		}
		label := p.ID
		if emptyLabelIDs[p.ID] {
			label = constants.EmptyPartitionLabel
		}
		info, err := table.CreatePartition(label, p.PartitionType, size)
		if err != nil {
			return nil, types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to create partition %q", p.ID))
		}
		created[p.ID] = info
	}

	if err := table.Write(); err != nil {
		return nil, types.WrapServicingError(types.ErrorKindServicing, err, "failed to write partition table")
	}
	return created, nil
}
