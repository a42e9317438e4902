package engine

import (
	"testing"

	"github.com/elemental-toolkit/tridentd/pkg/image"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

func TestValidateAgainstImageRequiresMatchingImage(t *testing.T) {
	cfg := types.HostConfiguration{
		FileSystems: []types.FileSystem{{Source: types.FileSystemSourceImage, MountPoint: "/"}},
	}
	meta := image.Metadata{}
	if err := ValidateAgainstImage(cfg, meta); err == nil {
		t.Fatal("expected rejection of an image-sourced filesystem with no matching COSI image")
	}
}

func TestValidateAgainstImageAcceptsMatchingImage(t *testing.T) {
	cfg := types.HostConfiguration{
		FileSystems: []types.FileSystem{{Source: types.FileSystemSourceImage, MountPoint: "/"}},
	}
	meta := image.Metadata{Images: []image.Image{{MountPoint: "/"}}}
	if err := ValidateAgainstImage(cfg, meta); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestValidateAgainstImageRejectsWritableVerityMount(t *testing.T) {
	cfg := types.HostConfiguration{
		VerityDevices: []types.VerityDevice{{ID: "verity-root", Name: "root", DataDeviceID: "root-fs", HashDeviceID: "root-hash"}},
		FileSystems: []types.FileSystem{
			{DeviceID: "root-fs", Source: types.FileSystemSourceImage, MountPoint: "/", Options: []string{"noatime"}},
		},
	}
	meta := image.Metadata{Images: []image.Image{{MountPoint: "/"}}}
	if err := ValidateAgainstImage(cfg, meta); err == nil {
		t.Fatal("expected rejection of a verity-backed filesystem mounted without ro")
	}
}

func TestValidateAgainstImageAcceptsReadOnlyVerityMount(t *testing.T) {
	cfg := types.HostConfiguration{
		VerityDevices: []types.VerityDevice{{ID: "verity-root", Name: "root", DataDeviceID: "root-fs", HashDeviceID: "root-hash"}},
		FileSystems: []types.FileSystem{
			{DeviceID: "root-fs", Source: types.FileSystemSourceImage, MountPoint: "/", Options: []string{"ro", "noatime"}},
		},
	}
	meta := image.Metadata{Images: []image.Image{{MountPoint: "/"}}}
	if err := ValidateAgainstImage(cfg, meta); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}
