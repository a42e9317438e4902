package graph

import (
	"testing"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

func TestBuildSimpleDiskPartition(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks: []types.Disk{{ID: "os", Partitions: []types.Partition{{ID: "root"}}}},
	}
	g, err := Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := g.Children("os"); len(got) != 1 || got[0] != "root" {
		t.Errorf("expected os -> root, got %v", got)
	}
}

func TestBuildRejectsUndeclaredRaidMember(t *testing.T) {
	cfg := types.HostConfiguration{
		RaidArrays: []types.SoftwareRaidArray{{ID: "arr", Name: "md0", Devices: []string{"ghost"}}},
	}
	if _, err := Build(cfg); err == nil {
		t.Fatal("expected rejection of undeclared raid member")
	}
}

func TestBuildRejectsUnreachableNode(t *testing.T) {
	// A raid array with no members can never happen via Sanitize, but the
	// graph builder itself should still reject a node with no path back to
	// a disk if one somehow appears (defense in depth).
	cfg := types.HostConfiguration{
		Disks:      []types.Disk{{ID: "os", Partitions: []types.Partition{{ID: "root"}}}},
		RaidArrays: []types.SoftwareRaidArray{{ID: "empty-array", Name: "md0", Level: types.RaidLevel1}},
	}
	if _, err := Build(cfg); err == nil {
		t.Fatal("expected rejection of a raid array with no path back to a disk")
	}
}

// An ESP-backing RAID array must be RAID1.
func TestValidateEspRaidLevelRejectsNonRaid1(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks: []types.Disk{
			{ID: "sda", Partitions: []types.Partition{{ID: "esp1", PartitionType: types.PartitionTypeESP}}},
			{ID: "sdb", Partitions: []types.Partition{{ID: "esp2", PartitionType: types.PartitionTypeESP}}},
		},
		RaidArrays: []types.SoftwareRaidArray{
			{ID: "esp-array", Name: "md0", Level: types.RaidLevel0, Devices: []string{"esp1", "esp2"}},
		},
		FileSystems: []types.FileSystem{{DeviceID: "esp-array", MountPoint: "/boot/efi"}},
	}
	if _, err := Build(cfg); err == nil {
		t.Fatal("expected rejection of non-RAID1 ESP array")
	}
}

func TestValidateEspRaidLevelAllowsRaid1(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks: []types.Disk{
			{ID: "sda", Partitions: []types.Partition{{ID: "esp1", PartitionType: types.PartitionTypeESP}}},
			{ID: "sdb", Partitions: []types.Partition{{ID: "esp2", PartitionType: types.PartitionTypeESP}}},
		},
		RaidArrays: []types.SoftwareRaidArray{
			{ID: "esp-array", Name: "md0", Level: types.RaidLevel1, Devices: []string{"esp1", "esp2"}},
		},
		FileSystems: []types.FileSystem{{DeviceID: "esp-array", MountPoint: "/boot/efi"}},
	}
	if _, err := Build(cfg); err != nil {
		t.Fatalf("unexpected rejection of RAID1 ESP array: %v", err)
	}
}

func TestBuildAddsFilesystemNodeBackedByDevice(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks:       []types.Disk{{ID: "os", Partitions: []types.Partition{{ID: "root"}}}},
		FileSystems: []types.FileSystem{{DeviceID: "root", MountPoint: "/"}},
	}
	g, err := Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := g.Children("root"); len(got) != 1 || got[0] != "mount:/" {
		t.Errorf("expected root -> mount:/, got %v", got)
	}
}

func TestBuildAllowsDeviceLessFilesystem(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks:       []types.Disk{{ID: "os", Partitions: []types.Partition{{ID: "root"}}}},
		FileSystems: []types.FileSystem{{MountPoint: "/tmp"}},
	}
	if _, err := Build(cfg); err != nil {
		t.Fatalf("expected a filesystem with no backing device to build cleanly: %v", err)
	}
}

func TestBuildRejectsFilesystemOnUndeclaredDevice(t *testing.T) {
	cfg := types.HostConfiguration{
		Disks:       []types.Disk{{ID: "os", Partitions: []types.Partition{{ID: "root"}}}},
		FileSystems: []types.FileSystem{{DeviceID: "ghost", MountPoint: "/"}},
	}
	if _, err := Build(cfg); err == nil {
		t.Fatal("expected rejection of filesystem on an undeclared device")
	}
}

func TestCheckDAGDetectsCycle(t *testing.T) {
	g := &Graph{
		nodes:    map[string]Node{"a": {ID: "a"}, "b": {ID: "b"}},
		children: map[string][]string{"a": {"b"}, "b": {"a"}},
		parents:  map[string][]string{},
	}
	if err := g.checkDAG(); err == nil {
		t.Fatal("expected cycle detection to fail")
	}
}
