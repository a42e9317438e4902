package raid

import (
	"context"
	"testing"
	"time"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

func TestStopPreExistingSkipsDisjoint(t *testing.T) {
	live := []LiveArray{{Name: "md0", BackingDisks: map[string]bool{"nvme0": true}}}
	configured := map[string]bool{"sda": true, "sdb": true}
	calls := 0
	r := &countingRunner{count: &calls}
	if err := StopPreExisting(context.Background(), r, live, configured); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no mdadm calls for disjoint array, got %d", calls)
	}
}

func TestStopPreExistingStopsSubset(t *testing.T) {
	live := []LiveArray{{Name: "md0", BackingDisks: map[string]bool{"sda": true}}}
	configured := map[string]bool{"sda": true, "sdb": true}
	calls := 0
	r := &countingRunner{count: &calls}
	if err := StopPreExisting(context.Background(), r, live, configured); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one mdadm --stop call, got %d", calls)
	}
}

func TestStopPreExistingRejectsOverlap(t *testing.T) {
	live := []LiveArray{{Name: "md0", BackingDisks: map[string]bool{"sda": true, "nvme0": true}}}
	configured := map[string]bool{"sda": true, "sdb": true}
	r := &countingRunner{count: new(int)}
	if err := StopPreExisting(context.Background(), r, live, configured); err == nil {
		t.Fatal("expected rejection of overlapping array")
	}
}

func TestGetDisksToRebuild(t *testing.T) {
	recorded := map[string]string{"sda": "guid-a", "sdb": "guid-b"}
	observed := map[string]string{"sda": "guid-a", "sdb": "guid-different"}
	got := GetDisksToRebuild(recorded, observed)
	if len(got) != 1 || got[0] != "sdb" {
		t.Errorf("expected only sdb to need rebuild, got %v", got)
	}
}

// Both members of an array live on disks marked for rebuild: reject.
func TestValidateRecoveryRejectsAllMembersOnRebuildDisks(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks: []types.Disk{
			{ID: "sda", Partitions: []types.Partition{{ID: "sda1"}}},
			{ID: "sdb", Partitions: []types.Partition{{ID: "sdb1"}}},
		},
		RaidArrays: []types.SoftwareRaidArray{
			{ID: "root-array", Devices: []string{"sda1", "sdb1"}},
		},
	}
	if err := ValidateRecovery(cfg, []string{"sda", "sdb"}); err == nil {
		t.Fatal("expected rejection: all members of root-array are on rebuild disks")
	}
}

// Only one disk replaced: rebuild proceeds.
func TestValidateRecoveryAllowsPartialRebuild(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks: []types.Disk{
			{ID: "sda", Partitions: []types.Partition{{ID: "sda1"}}},
			{ID: "sdb", Partitions: []types.Partition{{ID: "sdb1"}}},
		},
		RaidArrays: []types.SoftwareRaidArray{
			{ID: "root-array", Devices: []string{"sda1", "sdb1"}},
		},
	}
	if err := ValidateRecovery(cfg, []string{"sda"}); err != nil {
		t.Fatalf("unexpected rejection of partial rebuild: %v", err)
	}
}

func TestWaitForSyncSucceedsImmediatelyWhenIdle(t *testing.T) {
	read := func(string) (string, error) { return "idle\n", nil }
	if err := WaitForSync(context.Background(), "md0", time.Second, read); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitForSyncTimesOutWhileResyncing(t *testing.T) {
	read := func(string) (string, error) { return "resync", nil }
	err := WaitForSync(context.Background(), "md0", 50*time.Millisecond, read)
	if err == nil {
		t.Fatal("expected timeout error while array remains resyncing")
	}
}

type countingRunner struct {
	count *int
}

func (c *countingRunner) RunContext(_ context.Context, _ string, _ ...string) ([]byte, error) {
	*c.count++
	return nil, nil
}
