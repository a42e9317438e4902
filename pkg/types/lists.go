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

package types

// PartitionList is a lookup-friendly slice of partitions.
type PartitionList []Partition

func (l PartitionList) GetByID(id string) *Partition {
	for i := range l {
		if l[i].ID == id {
			return &l[i]
		}
	}
	return nil
}

// RaidArrayList is a lookup-friendly slice of RAID array declarations.
type RaidArrayList []SoftwareRaidArray

func (l RaidArrayList) GetByID(id string) *SoftwareRaidArray {
	for i := range l {
		if l[i].ID == id {
			return &l[i]
		}
	}
	return nil
}

// IntersectingDisk returns the arrays that have at least one declared member
// device ID present in the given set.
func (l RaidArrayList) IntersectingDisk(deviceIDs map[string]bool) RaidArrayList {
	var out RaidArrayList
	for _, arr := range l {
		for _, dev := range arr.Devices {
			if deviceIDs[dev] {
				out = append(out, arr)
				break
			}
		}
	}
	return out
}

// AllDisks returns every disk declared in the configuration.
func (h HostConfiguration) AllDisks() []Disk {
	return h.Disks
}

// DiskByID returns the disk declaring the given ID, or nil.
func (h HostConfiguration) DiskByID(id string) *Disk {
	for i := range h.Disks {
		if h.Disks[i].ID == id {
			return &h.Disks[i]
		}
	}
	return nil
}

// AllPartitions flattens every declared (non-adopted) partition across disks.
func (h HostConfiguration) AllPartitions() PartitionList {
	var out PartitionList
	for _, d := range h.Disks {
		out = append(out, d.Partitions...)
	}
	return out
}

// DiskOwning returns the disk ID that declares the partition, raid member,
// or adopted-partition with the given block-device id, or "" if none.
func (h HostConfiguration) DiskOwning(blockDeviceID string) string {
	for _, d := range h.Disks {
		for _, p := range d.Partitions {
			if p.ID == blockDeviceID {
				return d.ID
			}
		}
		for _, a := range d.AdoptedPartitions {
			if a.ID == blockDeviceID {
				return d.ID
			}
		}
	}
	return ""
}

// RaidArrayByID returns the array declaring the given ID, or nil.
func (h HostConfiguration) RaidArrayByID(id string) *SoftwareRaidArray {
	return RaidArrayList(h.RaidArrays).GetByID(id)
}

// EncryptedVolumeByID returns the encrypted volume declaring the given ID, or nil.
func (h HostConfiguration) EncryptedVolumeByID(id string) *EncryptedVolume {
	for i := range h.EncryptedVolumes {
		if h.EncryptedVolumes[i].ID == id {
			return &h.EncryptedVolumes[i]
		}
	}
	return nil
}

// VerityDeviceByID returns the verity device declaring the given ID, or nil.
func (h HostConfiguration) VerityDeviceByID(id string) *VerityDevice {
	for i := range h.VerityDevices {
		if h.VerityDevices[i].ID == id {
			return &h.VerityDevices[i]
		}
	}
	return nil
}

// AbPairByMember returns the pair in which the given block-device ID is
// either the A or B side, and which side it is.
func (h HostConfiguration) AbPairByMember(id string) (*AbVolumePair, AbVolume) {
	for i := range h.AbVolumePairs {
		p := &h.AbVolumePairs[i]
		if p.VolumeA == id {
			return p, AbVolumeA
		}
		if p.VolumeB == id {
			return p, AbVolumeB
		}
	}
	return nil, AbVolumeNone
}

// AbVolumePairByID returns the pair declaring the given ID, or nil.
func (h HostConfiguration) AbVolumePairByID(id string) *AbVolumePair {
	for i := range h.AbVolumePairs {
		if h.AbVolumePairs[i].ID == id {
			return &h.AbVolumePairs[i]
		}
	}
	return nil
}
