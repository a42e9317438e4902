package e2e_test

import (
	"context"

	"github.com/elemental-toolkit/tridentd/pkg/partitioning"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// scriptedVerityRunner answers dmsetup status with a fixed string and
// records whether veritysetup close was called.
type scriptedVerityRunner struct {
	status string
	closed bool
}

func (r *scriptedVerityRunner) RunContext(_ context.Context, command string, args ...string) ([]byte, error) {
	switch {
	case command == "dmsetup" && len(args) > 0 && args[0] == "status":
		return []byte(r.status), nil
	case command == "veritysetup" && len(args) > 0 && args[0] == "close":
		r.closed = true
		return nil, nil
	}
	return nil, nil
}

// e2eFakeTable is a minimal partitioning.DiskTable used only to exercise
// the cross-package adoption-collision scenario at this level;
// pkg/partitioning's own fakeTable covers the unit-level adoption cases.
type e2eFakeTable struct {
	partitions  []partitioning.PartitionInfo
	deletedNums []int
}

func (f *e2eFakeTable) ListPartitions() ([]partitioning.PartitionInfo, error) { return f.partitions, nil }
func (f *e2eFakeTable) IsDiskMounted() (bool, error)                          { return false, nil }
func (f *e2eFakeTable) IsPartitionMounted(int) (bool, error)                  { return false, nil }
func (f *e2eFakeTable) DeletePartition(n int) error {
	f.deletedNums = append(f.deletedNums, n)
	return nil
}
func (f *e2eFakeTable) CreatePartition(label string, _ types.PartitionType, size uint64) (partitioning.PartitionInfo, error) {
	return partitioning.PartitionInfo{Label: label, SizeBytes: size}, nil
}
func (f *e2eFakeTable) FreeBytes() (uint64, error) { return 0, nil }
func (f *e2eFakeTable) Write() error               { return nil }
func (f *e2eFakeTable) DiskGUID() (string, error)  { return "disk-guid", nil }
