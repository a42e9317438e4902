package engine

import (
	"errors"
	"testing"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

func TestDecideCleanInstallWhenNotProvisioned(t *testing.T) {
	status := types.NewHostStatus()
	got := Decide(status, types.HostConfiguration{})
	if got != types.ServicingTypeCleanInstall {
		t.Errorf("expected clean-install, got %q", got)
	}
}

func TestDecideNoActiveServicingWhenSpecUnchanged(t *testing.T) {
	spec := types.HostConfiguration{Disks: []types.Disk{{ID: "os"}}}
	status := types.NewHostStatus()
	status.ServicingState = types.ServicingStateProvisioned
	status.Spec = spec
	got := Decide(status, spec)
	if got != types.ServicingTypeNoActiveServicing {
		t.Errorf("expected no-active-servicing, got %q", got)
	}
}

func TestDecideAbUpdateWhenSpecChanged(t *testing.T) {
	status := types.NewHostStatus()
	status.ServicingState = types.ServicingStateProvisioned
	status.Spec = types.HostConfiguration{Disks: []types.Disk{{ID: "os"}}}
	newSpec := types.HostConfiguration{Disks: []types.Disk{{ID: "os"}, {ID: "data"}}}
	got := Decide(status, newSpec)
	if got != types.ServicingTypeAbUpdate {
		t.Errorf("expected ab-update, got %q", got)
	}
}

func TestValidateRebuildAllowed(t *testing.T) {
	if err := ValidateRebuildAllowed(types.ServicingStateProvisioned); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateRebuildAllowed(types.ServicingStateNotProvisioned); err == nil {
		t.Fatal("expected rejection of rebuild-raid from not-provisioned")
	}
}

// GetBlockDevicePath is total over declared IDs and fails explicitly
// (never empty string) for unknown ones.
func TestGetBlockDevicePathChain(t *testing.T) {
	spec := types.HostConfiguration{
		Disks: []types.Disk{{ID: "os", Partitions: []types.Partition{{ID: "root-part"}}}},
		RaidArrays: []types.SoftwareRaidArray{
			{ID: "root-array", Name: "md0", Devices: []string{"root-part"}},
		},
		EncryptedVolumes: []types.EncryptedVolume{{ID: "root-crypt", DeviceID: "root-array", DeviceName: "root-crypt"}},
	}
	ctx := NewContext(spec, nil)
	ctx.SetResolvedPath("root-part", "/dev/disk/by-partuuid/abc")

	path, ok := ctx.GetBlockDevicePath("root-part")
	if !ok || path != "/dev/disk/by-partuuid/abc" {
		t.Errorf("expected partition resolution, got %q ok=%v", path, ok)
	}

	path, ok = ctx.GetBlockDevicePath("root-array")
	if !ok || path != "/dev/md/md0" {
		t.Errorf("expected raid resolution, got %q ok=%v", path, ok)
	}

	path, ok = ctx.GetBlockDevicePath("root-crypt")
	if !ok || path != "/dev/mapper/root-crypt" {
		t.Errorf("expected encrypted resolution, got %q ok=%v", path, ok)
	}

	_, ok = ctx.GetBlockDevicePath("nonexistent")
	if ok {
		t.Error("expected explicit failure for unknown ID")
	}
}

func TestGetAbUpdateVolume(t *testing.T) {
	pair := types.AbVolumePair{ID: "root-pair", VolumeA: "root_a", VolumeB: "root_b"}
	cases := []struct {
		name          string
		servicingType types.ServicingType
		active        types.AbVolume
		want          string
	}{
		{"clean install ignores active volume", types.ServicingTypeCleanInstall, types.AbVolumeB, "root_a"},
		{"ab update flips from a to b", types.ServicingTypeAbUpdate, types.AbVolumeA, "root_b"},
		{"ab update flips from b to a", types.ServicingTypeAbUpdate, types.AbVolumeB, "root_a"},
		{"ab update with no recorded active side defaults to a", types.ServicingTypeAbUpdate, types.AbVolumeNone, "root_a"},
	}
	for _, c := range cases {
		if got := GetAbUpdateVolume(pair, c.servicingType, c.active); got != c.want {
			t.Errorf("%s: GetAbUpdateVolume() = %q, want %q", c.name, got, c.want)
		}
	}
}

// Testable Property 5: an A/B pair resolves to whichever side is not
// currently active, symmetrically in both directions.
func TestGetBlockDevicePathResolvesAbPairToUpdateSide(t *testing.T) {
	spec := types.HostConfiguration{
		Disks: []types.Disk{{ID: "os", Partitions: []types.Partition{
			{ID: "root_a"}, {ID: "root_b"},
		}}},
		AbVolumePairs: []types.AbVolumePair{{ID: "root-pair", VolumeA: "root_a", VolumeB: "root_b"}},
	}

	status := types.NewHostStatus()
	status.ServicingState = types.ServicingStateProvisioned
	status.AbActiveVolume = types.AbVolumeA
	status.Spec = types.HostConfiguration{Disks: []types.Disk{{ID: "different"}}}

	ctx := NewContext(spec, status)
	ctx.SetResolvedPath("root_a", "/dev/disk/by-partuuid/a-guid")
	ctx.SetResolvedPath("root_b", "/dev/disk/by-partuuid/b-guid")

	if ctx.ServicingType != types.ServicingTypeAbUpdate {
		t.Fatalf("expected ab-update, got %q", ctx.ServicingType)
	}
	path, ok := ctx.GetBlockDevicePath("root-pair")
	if !ok || path != "/dev/disk/by-partuuid/b-guid" {
		t.Errorf("active=a: expected update side b, got %q ok=%v", path, ok)
	}

	status.AbActiveVolume = types.AbVolumeB
	ctx = NewContext(spec, status)
	ctx.SetResolvedPath("root_a", "/dev/disk/by-partuuid/a-guid")
	ctx.SetResolvedPath("root_b", "/dev/disk/by-partuuid/b-guid")
	path, ok = ctx.GetBlockDevicePath("root-pair")
	if !ok || path != "/dev/disk/by-partuuid/a-guid" {
		t.Errorf("active=b: expected update side a, got %q ok=%v", path, ok)
	}
}

func TestGetBlockDevicePathResolvesAbPairToACleanInstall(t *testing.T) {
	spec := types.HostConfiguration{
		Disks: []types.Disk{{ID: "os", Partitions: []types.Partition{
			{ID: "root_a"}, {ID: "root_b"},
		}}},
		AbVolumePairs: []types.AbVolumePair{{ID: "root-pair", VolumeA: "root_a", VolumeB: "root_b"}},
	}
	ctx := NewContext(spec, nil)
	ctx.SetResolvedPath("root_a", "/dev/disk/by-partuuid/a-guid")
	ctx.SetResolvedPath("root_b", "/dev/disk/by-partuuid/b-guid")

	path, ok := ctx.GetBlockDevicePath("root-pair")
	if !ok || path != "/dev/disk/by-partuuid/a-guid" {
		t.Errorf("clean install: expected side a, got %q ok=%v", path, ok)
	}
}

func TestAccumulateErrorsNilWhenAllNil(t *testing.T) {
	if err := AccumulateErrors(nil, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAccumulateErrorsJoinsNonNil(t *testing.T) {
	err := AccumulateErrors(errors.New("a"), nil, errors.New("b"))
	if err == nil {
		t.Fatal("expected combined error")
	}
}
