package e2e_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/elemental-toolkit/tridentd/pkg/engine"
	"github.com/elemental-toolkit/tridentd/pkg/partitioning"
	"github.com/elemental-toolkit/tridentd/pkg/raid"
	"github.com/elemental-toolkit/tridentd/pkg/types"
	"github.com/elemental-toolkit/tridentd/pkg/verity"
)

var _ = Describe("clean install with two partitions", func() {
	It("decides clean-install from a not-provisioned host", func() {
		spec := types.HostConfiguration{
			Disks: []types.Disk{{
				ID: "os",
				Partitions: []types.Partition{
					{ID: "esp", PartitionType: types.PartitionTypeESP, Size: types.PartitionSize{Bytes: 100 * 1024 * 1024}},
					{ID: "root", PartitionType: types.PartitionTypeRoot, Size: types.PartitionSize{Grow: true}},
				},
			}},
		}
		status := types.NewHostStatus()

		Expect(engine.Decide(status, spec)).To(Equal(types.ServicingTypeCleanInstall))

		ctx := engine.NewContext(spec, status)
		ctx.SetResolvedPath("esp", "/dev/disk/by-partuuid/esp-guid")
		path, ok := ctx.GetBlockDevicePath("esp")
		Expect(ok).To(BeTrue())
		Expect(path).To(Equal("/dev/disk/by-partuuid/esp-guid"))
	})
})

var _ = Describe("A/B update over a shared ESP", func() {
	It("decides ab-update once the host configuration changes against a provisioned host", func() {
		baseSpec := types.HostConfiguration{Disks: []types.Disk{{ID: "os"}}}
		status := types.NewHostStatus()
		status.ServicingState = types.ServicingStateProvisioned
		status.Spec = baseSpec

		changedSpec := types.HostConfiguration{Disks: []types.Disk{{ID: "os"}, {ID: "data"}}}
		Expect(engine.Decide(status, changedSpec)).To(Equal(types.ServicingTypeAbUpdate))
	})

	It("resolves an A/B pair to the update side, symmetrically in both directions", func() {
		spec := types.HostConfiguration{
			Disks: []types.Disk{{ID: "os", Partitions: []types.Partition{
				{ID: "root_a"}, {ID: "root_b"},
			}}},
			AbVolumePairs: []types.AbVolumePair{{ID: "root-pair", VolumeA: "root_a", VolumeB: "root_b"}},
		}
		status := types.NewHostStatus()
		status.ServicingState = types.ServicingStateProvisioned
		status.Spec = types.HostConfiguration{Disks: []types.Disk{{ID: "different"}}}

		status.AbActiveVolume = types.AbVolumeA
		ctx := engine.NewContext(spec, status)
		ctx.SetResolvedPath("root_a", "/dev/disk/by-partuuid/a-guid")
		ctx.SetResolvedPath("root_b", "/dev/disk/by-partuuid/b-guid")
		path, ok := ctx.GetBlockDevicePath("root-pair")
		Expect(ok).To(BeTrue())
		Expect(path).To(Equal("/dev/disk/by-partuuid/b-guid"), "active side a must resolve the pair to b")

		status.AbActiveVolume = types.AbVolumeB
		ctx = engine.NewContext(spec, status)
		ctx.SetResolvedPath("root_a", "/dev/disk/by-partuuid/a-guid")
		ctx.SetResolvedPath("root_b", "/dev/disk/by-partuuid/b-guid")
		path, ok = ctx.GetBlockDevicePath("root-pair")
		Expect(ok).To(BeTrue())
		Expect(path).To(Equal("/dev/disk/by-partuuid/a-guid"), "active side b must resolve the pair to a")
	})

	It("resolves an A/B pair to side a on a clean install, with no active side recorded yet", func() {
		spec := types.HostConfiguration{
			Disks: []types.Disk{{ID: "os", Partitions: []types.Partition{
				{ID: "root_a"}, {ID: "root_b"},
			}}},
			AbVolumePairs: []types.AbVolumePair{{ID: "root-pair", VolumeA: "root_a", VolumeB: "root_b"}},
		}
		ctx := engine.NewContext(spec, nil)
		ctx.SetResolvedPath("root_a", "/dev/disk/by-partuuid/a-guid")
		ctx.SetResolvedPath("root_b", "/dev/disk/by-partuuid/b-guid")

		path, ok := ctx.GetBlockDevicePath("root-pair")
		Expect(ok).To(BeTrue())
		Expect(path).To(Equal("/dev/disk/by-partuuid/a-guid"))
	})
})

var _ = Describe("RAID rebuild after disk replacement", func() {
	var cfg types.HostConfiguration

	BeforeEach(func() {
		cfg = types.HostConfiguration{
			Disks: []types.Disk{
				{ID: "sda", Partitions: []types.Partition{{ID: "sda1"}}},
				{ID: "sdb", Partitions: []types.Partition{{ID: "sdb1"}}},
			},
			RaidArrays: []types.SoftwareRaidArray{
				{ID: "root-array", Name: "md0", Level: types.RaidLevel1, Devices: []string{"sda1", "sdb1"}},
			},
		}
	})

	It("allows rebuild when only one disk was replaced", func() {
		recorded := map[string]string{"sda": "guid-a", "sdb": "guid-b"}
		observed := map[string]string{"sda": "guid-a-new", "sdb": "guid-b"}

		disksToRebuild := raid.GetDisksToRebuild(recorded, observed)
		Expect(disksToRebuild).To(ConsistOf("sda"))
		Expect(raid.ValidateRecovery(cfg, disksToRebuild)).To(Succeed())
	})

	It("rejects rebuild when both disks were replaced", func() {
		recorded := map[string]string{"sda": "guid-a", "sdb": "guid-b"}
		observed := map[string]string{"sda": "guid-a-new", "sdb": "guid-b-new"}

		disksToRebuild := raid.GetDisksToRebuild(recorded, observed)
		Expect(disksToRebuild).To(ConsistOf("sda", "sdb"))
		Expect(raid.ValidateRecovery(cfg, disksToRebuild)).NotTo(Succeed())
	})
})

var _ = Describe("verity roothash mismatch", func() {
	It("closes the device and fails servicing instead of leaving it mounted corrupted", func() {
		r := &scriptedVerityRunner{status: "0 1000 verity corrupted"}
		err := verity.VerifyNotCorrupted(context.Background(), r, "root")
		Expect(err).To(HaveOccurred())
		Expect(r.closed).To(BeTrue())
	})
})

var _ = Describe("adoption collision leaves the disk untouched", func() {
	It("rejects two partitions sharing the same adoption label without deleting anything", func() {
		disk := types.Disk{ID: "os", AdoptedPartitions: []types.AdoptedPartition{{ID: "efi", MatchLabel: "esp"}}}
		table := &e2eFakeTable{
			partitions: []partitioning.PartitionInfo{{Number: 1, Label: "esp"}, {Number: 2, Label: "esp"}},
		}

		_, err := partitioning.Adopt(disk, table)
		Expect(err).To(HaveOccurred())
		Expect(table.deletedNums).To(BeEmpty())
	})
})
