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

// Package deploy streams a filesystem image from a COSI archive onto a
// target block device. Grounded on original_source's stream.rs
// conventions (hash-while-you-stream, fail closed on mismatch).
package deploy

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/elemental-toolkit/tridentd/pkg/image"
	"github.com/elemental-toolkit/tridentd/pkg/runner"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// BlockDeviceSizer reports the size of the target block device, so
// Stream can assert it before writing a single byte.
type BlockDeviceSizer func(devicePath string) (uint64, error)

// Stream copies img's compressed blob from src onto devicePath: it
// asserts capacity, decompresses with zstd while tee-hashing the
// decompressed stream with SHA-384, and fails the whole operation the
// instant the trailing hash does not match img.File.Sha384. Servicing
// must not proceed to subsequent stages on a hash mismatch.
func Stream(ctx context.Context, src image.Source, img image.Image, devicePath string, sizeOf BlockDeviceSizer) error {
	deviceSize, err := sizeOf(devicePath)
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to size target device %q", devicePath))
	}
	if deviceSize < img.File.UncompressedSize {
		return types.NewServicingError(types.ErrorKindInvalidInput,
			fmt.Sprintf("target device %q is %d bytes, smaller than the image's uncompressed size %d", devicePath, deviceSize, img.File.UncompressedSize))
	}

	blob, err := src.OpenBlob(ctx, img.File.Path)
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to open image blob %q", img.File.Path))
	}
	defer blob.Close()

	zr, err := zstd.NewReader(blob)
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to initialize zstd decompressor")
	}
	defer zr.Close()

	out, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to open target device %q for writing", devicePath))
	}
	defer out.Close()

	hasher := sha512.New384()
	tee := io.TeeReader(zr, hasher)
	if _, err := io.Copy(out, tee); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed streaming image onto %q", devicePath))
	}
	if err := out.Sync(); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to sync %q", devicePath))
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != img.File.Sha384 {
		return types.NewServicingError(types.ErrorKindServicing,
			fmt.Sprintf("image hash mismatch for %q: expected %s, got %s", img.File.Path, img.File.Sha384, got))
	}
	return nil
}

// StreamVerityMetadata streams a verity hash-tree blob the same way as a
// regular filesystem image, reusing Stream against the VerityMetadata's
// embedded ImageFile.
func StreamVerityMetadata(ctx context.Context, src image.Source, vm image.VerityMetadata, devicePath string, sizeOf BlockDeviceSizer) error {
	return Stream(ctx, src, image.Image{File: vm.File}, devicePath, sizeOf)
}

// CheckFilesystem runs e2fsck -f -y on an ext* filesystem, always fscking
// before an online resize operation.
func CheckFilesystem(ctx context.Context, r runner.Runner, devicePath string) error {
	if _, err := r.RunContext(ctx, "e2fsck", "-f", "-y", devicePath); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("e2fsck failed on %q", devicePath))
	}
	return nil
}

// ResizeFilesystem grows devicePath's ext* filesystem to fill the
// partition. Never called for verity-backed or adopted read-only
// filesystems.
func ResizeFilesystem(ctx context.Context, r runner.Runner, devicePath string) error {
	if _, err := r.RunContext(ctx, "resize2fs", devicePath); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("resize2fs failed on %q", devicePath))
	}
	return nil
}

// FinalizeWritable runs the fsck+resize pair for a freshly streamed ext*
// filesystem. Skipped entirely for verity data/hash devices and for
// adopted partitions, which are never formatted or resized.
func FinalizeWritable(ctx context.Context, r runner.Runner, fsType types.FileSystemType, devicePath string) error {
	switch fsType {
	case types.FileSystemExt4, types.FileSystemExt3:
		if err := CheckFilesystem(ctx, r, devicePath); err != nil {
			return err
		}
		return ResizeFilesystem(ctx, r, devicePath)
	default:
		return nil
	}
}
