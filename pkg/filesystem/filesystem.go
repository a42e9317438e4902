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

// Package filesystem formats block devices with mkfs/mkswap, fanned out
// across a bounded worker pool.
package filesystem

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/elemental-toolkit/tridentd/pkg/runner"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// Target names one device to format.
type Target struct {
	ID         string
	DevicePath string
	FsType     types.FileSystemType
	Label      string
}

func mkfsCommand(fsType types.FileSystemType) (string, []string) {
	switch fsType {
	case types.FileSystemExt4:
		return "mkfs.ext4", nil
	case types.FileSystemExt3:
		return "mkfs.ext3", nil
	case types.FileSystemVfat:
		return "mkfs.vfat", []string{"-F", "32"}
	case types.FileSystemXfs:
		return "mkfs.xfs", nil
	case types.FileSystemSwap:
		return "mkswap", nil
	default:
		return "", nil
	}
}

// Format runs the right mkfs/mkswap invocation for t, passing the label
// with -n to mkfs.vfat and with -L to the other tools.
func Format(ctx context.Context, r runner.Runner, t Target) error {
	cmd, baseArgs := mkfsCommand(t.FsType)
	if cmd == "" {
		return types.NewServicingError(types.ErrorKindUnsupported, fmt.Sprintf("no mkfs tool known for filesystem type %q", t.FsType))
	}
	args := append([]string{}, baseArgs...)
	if t.Label != "" {
		labelFlag := "-L"
		if t.FsType == types.FileSystemVfat {
			labelFlag = "-n"
		}
		args = append(args, labelFlag, t.Label)
	}
	args = append(args, t.DevicePath)
	if _, err := r.RunContext(ctx, cmd, args...); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to format %q as %q", t.DevicePath, t.FsType))
	}
	return nil
}

// FormatAll formats every target concurrently through a worker pool sized
// to the number of targets (capped at maxWorkers), one worker per target
// device. The first error observed is returned after every in-flight
// format finishes.
func FormatAll(ctx context.Context, r runner.Runner, targets []Target, maxWorkers int) error {
	if maxWorkers <= 0 || maxWorkers > len(targets) {
		maxWorkers = len(targets)
	}
	if maxWorkers == 0 {
		return nil
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxWorkers).WithCancelOnError().WithFirstError()
	for _, t := range targets {
		t := t
		p.Go(func(ctx context.Context) error {
			return Format(ctx, r, t)
		})
	}
	return p.Wait()
}
