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

// Package encryption formats, opens, and TPM-binds LUKS2 volumes.
// Grounded on original_source/src/engine/storage/encryption.rs.
package encryption

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/elemental-toolkit/tridentd/pkg/constants"
	"github.com/elemental-toolkit/tridentd/pkg/runner"
	"github.com/elemental-toolkit/tridentd/pkg/types"
	"github.com/elemental-toolkit/tridentd/pkg/utils"
)

// GenerateRecoveryKey writes a fresh random 4096-byte recovery key to a
// 0600 file under dir and returns its path.
func GenerateRecoveryKey(dir string) (string, error) {
	buf := make([]byte, constants.RecoveryKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", types.WrapServicingError(types.ErrorKindInternal, err, "failed to generate recovery key")
	}
	path := filepath.Join(dir, "recovery.key")
	if err := os.WriteFile(path, buf, constants.RecoveryKeyPerm); err != nil {
		return "", types.WrapServicingError(types.ErrorKindInternal, err, "failed to write recovery key")
	}
	return path, nil
}

// TPMAccessible reports whether the TPM's PCR bank can be read, via
// tpm2_pcrread, as a pre-flight check before TPM2 enrollment.
func TPMAccessible(ctx context.Context, r runner.Runner) bool {
	_, err := r.RunContext(ctx, "tpm2_pcrread", fmt.Sprintf("sha256:%d", constants.TPMPCRIndex))
	return err == nil
}

// ClearTPM runs tpm2_clear, used before re-enrolling PCR7 on a clean
// install.
func ClearTPM(ctx context.Context, r runner.Runner) error {
	if _, err := r.RunContext(ctx, "tpm2_clear"); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, "failed to clear TPM")
	}
	return nil
}

// Format runs cryptsetup luksFormat on devicePath, keyed by keyFilePath,
// used for the clean-install path.
func Format(ctx context.Context, r runner.Runner, devicePath, keyFilePath string) error {
	if _, err := r.RunContext(ctx, "cryptsetup", "luksFormat", "--type", "luks2", devicePath, "--key-file", keyFilePath); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("luksFormat failed on %q", devicePath))
	}
	return nil
}

// Reencrypt runs cryptsetup reencrypt in place, used when
// REENCRYPT_ON_CLEAN_INSTALL is set to preserve existing ciphertext
// layout.
func Reencrypt(ctx context.Context, r runner.Runner, devicePath, keyFilePath string) error {
	if _, err := r.RunContext(ctx, "cryptsetup", "reencrypt", "--encrypt", "--type", "luks2", devicePath, "--key-file", keyFilePath); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("reencrypt failed on %q", devicePath))
	}
	return nil
}

// EnrollTPM binds PCR7 as an additional LUKS2 keyslot via
// systemd-cryptenroll, keeping the recovery key as a fallback slot.
func EnrollTPM(ctx context.Context, r runner.Runner, devicePath, recoveryKeyFilePath string) error {
	args := []string{
		devicePath,
		"--tpm2-device=auto",
		fmt.Sprintf("--tpm2-pcrs=%d", constants.TPMPCRIndex),
		"--unlock-key-file=" + recoveryKeyFilePath,
	}
	if _, err := r.RunContext(ctx, "systemd-cryptenroll", args...); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("TPM2 enrollment failed on %q", devicePath))
	}
	return nil
}

// Open unlocks devicePath into /dev/mapper/name using the TPM-bound
// keyslot via cryptsetup's systemd-tpm2 token plugin.
func Open(ctx context.Context, r runner.Runner, devicePath, name string) error {
	if _, err := r.RunContext(ctx, "cryptsetup", "open", "--token-type", "systemd-tpm2", devicePath, name); err != nil {
		return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to open encrypted volume %q", name))
	}
	return nil
}

// LiveVolume describes an already-open crypt mapping, for the
// close-pre-existing safety check.
type LiveVolume struct {
	Name         string
	BackingDisks map[string]bool
}

// ClosePreExisting closes every live crypt mapping whose backing disks
// are a subset of the configured disks, leaves disjoint mappings alone,
// and fails on overlap, the same rule as pkg/raid.StopPreExisting,
// sharing utils.ClassifyDiskOverlap.
func ClosePreExisting(ctx context.Context, r runner.Runner, live []LiveVolume, configuredDisks map[string]bool) error {
	for _, v := range live {
		switch utils.ClassifyDiskOverlap(v.BackingDisks, configuredDisks) {
		case utils.DiskRelationshipDisjoint:
			continue
		case utils.DiskRelationshipOverlap:
			return types.NewServicingError(types.ErrorKindInvalidInput,
				fmt.Sprintf("encrypted volume %q backing disks partially overlap the configured disks; refusing to close it", v.Name))
		case utils.DiskRelationshipSubset:
			if _, err := r.RunContext(ctx, "cryptsetup", "close", v.Name); err != nil {
				return types.WrapServicingError(types.ErrorKindServicing, err, fmt.Sprintf("failed to close pre-existing encrypted volume %q", v.Name))
			}
		}
	}
	return nil
}

// ProvisionPlan decides format vs reencrypt for a clean install, based
// on the REENCRYPT_ON_CLEAN_INSTALL flag.
func ProvisionPlan(reencryptOnCleanInstall bool) string {
	if reencryptOnCleanInstall {
		return "reencrypt"
	}
	return "format"
}
