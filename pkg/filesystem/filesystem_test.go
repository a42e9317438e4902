package filesystem

import (
	"context"
	"sync"
	"testing"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) RunContext(_ context.Context, command string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	return nil, nil
}

func TestFormatPicksRightTool(t *testing.T) {
	r := &fakeRunner{}
	if err := Format(context.Background(), r, Target{DevicePath: "/dev/sda1", FsType: types.FileSystemVfat, Label: "esp"}); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 1 || r.calls[0] != "mkfs.vfat" {
		t.Errorf("expected mkfs.vfat, got %v", r.calls)
	}
}

func TestFormatRejectsUnknownType(t *testing.T) {
	r := &fakeRunner{}
	err := Format(context.Background(), r, Target{DevicePath: "/dev/sda1", FsType: types.FileSystemOverlay})
	if err == nil {
		t.Fatal("expected rejection of unformattable filesystem type")
	}
}

func TestFormatAllRunsEveryTarget(t *testing.T) {
	r := &fakeRunner{}
	targets := []Target{
		{DevicePath: "/dev/sda1", FsType: types.FileSystemVfat},
		{DevicePath: "/dev/sda2", FsType: types.FileSystemExt4},
		{DevicePath: "/dev/sda3", FsType: types.FileSystemSwap},
	}
	if err := FormatAll(context.Background(), r, targets, 2); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 3 {
		t.Errorf("expected 3 mkfs calls, got %d", len(r.calls))
	}
}
