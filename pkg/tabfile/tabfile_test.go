package tabfile

import (
	"testing"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

type fakeResolver map[string]string

func (f fakeResolver) GetBlockDevicePath(id string) (string, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return "", errNotFound(id)
}

type errNotFound string

func (e errNotFound) Error() string { return "not found: " + string(e) }

func TestFromMountPointsRegular(t *testing.T) {
	resolver := fakeResolver{"efi": "/dev/disk/by-partlabel/osp1"}
	tf, err := FromMountPoints(resolver, []InternalMountPoint{
		{Path: "/boot/efi", FileSystem: types.FileSystemVfat, Options: []string{"umask=0077"}, TargetID: "efi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "/dev/disk/by-partlabel/osp1 /boot/efi vfat umask=0077 0 2\n"
	if got := tf.Render(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFromMountPointsSwap(t *testing.T) {
	resolver := fakeResolver{"swap": "/dev/disk/by-partlabel/swap"}
	tf, err := FromMountPoints(resolver, []InternalMountPoint{
		{Path: "none", FileSystem: types.FileSystemSwap, Options: []string{"sw"}, TargetID: "swap"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "/dev/disk/by-partlabel/swap none swap sw 0 0\n"
	if got := tf.Render(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFromMountPointsOverlayAndTmpfs(t *testing.T) {
	tf, err := FromMountPoints(fakeResolver{}, []InternalMountPoint{
		{Path: "/etc", FileSystem: types.FileSystemOverlay, Options: []string{"lowerdir=/etc", "upperdir=/var/lib/upper", "workdir=/var/lib/work"}},
		{Path: "/tmp", FileSystem: types.FileSystemTmpfs},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "overlay /etc overlay lowerdir=/etc,upperdir=/var/lib/upper,workdir=/var/lib/work 0 2\n" +
		"tmpfs /tmp tmpfs defaults 0 2\n"
	if got := tf.Render(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	resolver := fakeResolver{
		"efi":  "/dev/disk/by-partlabel/osp1",
		"root": "/dev/disk/by-partlabel/osp2",
		"home": "/dev/disk/by-partlabel/osp3",
		"swap": "/dev/disk/by-partlabel/swap",
	}
	mps := []InternalMountPoint{
		{Path: "/boot/efi", FileSystem: types.FileSystemVfat, Options: []string{"umask=0077"}, TargetID: "efi"},
		{Path: "/", FileSystem: types.FileSystemExt4, Options: []string{"errors=remount-ro"}, TargetID: "root"},
		{Path: "/home", FileSystem: types.FileSystemExt4, Options: []string{"defaults", "x-systemd.makefs"}, TargetID: "home"},
		{Path: "none", FileSystem: types.FileSystemSwap, Options: []string{"sw"}, TargetID: "swap"},
	}
	tf, err := FromMountPoints(resolver, mps)
	if err != nil {
		t.Fatal(err)
	}
	rendered := tf.Render()

	parsed, err := ParseTabFile(rendered)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Entries) != len(tf.Entries) {
		t.Fatalf("round trip entry count mismatch: got %d, want %d", len(parsed.Entries), len(tf.Entries))
	}
	for i, e := range parsed.Entries {
		orig := tf.Entries[i]
		if e.Device != orig.Device || e.MountPoint != orig.MountPoint || e.FsType != orig.FsType || e.PassNo != orig.PassNo {
			t.Errorf("entry %d mismatch: got %+v, want %+v", i, e, orig)
		}
	}
}
