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

// Package graph builds the storage graph: a DAG of block devices and
// filesystem mount points, edges describing backing relationships
// (RAID -> members, LUKS -> underlying device, verity -> {data, hash},
// A/B pair -> {a, b}).
package graph

import (
	"fmt"

	"github.com/kendru/darwin/go/depgraph"
	"github.com/pkg/errors"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// NodeKind classifies a graph node for validation purposes.
type NodeKind string

const (
	NodeKindDisk       NodeKind = "disk"
	NodeKindPartition  NodeKind = "partition"
	NodeKindRaid       NodeKind = "raid"
	NodeKindEncrypted  NodeKind = "encrypted"
	NodeKindVerity     NodeKind = "verity"
	NodeKindAbPair     NodeKind = "ab_pair"
	NodeKindFilesystem NodeKind = "filesystem"
)

// Node is one entity in the storage graph.
type Node struct {
	ID   string
	Kind NodeKind
}

// Graph is a parent -> children adjacency built from a HostConfiguration,
// backed by a github.com/kendru/darwin/go/depgraph.Graph for topological
// traversal (DESIGN NOTES §9's "store edges as parent-id -> child-ids[]"
// recommendation).
type Graph struct {
	nodes    map[string]Node
	children map[string][]string
	parents  map[string][]string
	dg       *depgraph.Graph
}

// Build constructs the storage graph from a host configuration. Disk
// device-path uniqueness and partition ownership are validated by
// types.HostConfiguration.Sanitize before a caller ever reaches Build;
// whether each filesystem's declared image source matches the loaded COSI
// metadata, and whether a verity-backed mount is read-only, require the
// COSI metadata and are validated by engine.ValidateAgainstImage once it
// is loaded. Cycles and the ESP RAID-level rule are checked here.
func Build(cfg types.HostConfiguration) (*Graph, error) {
	g := &Graph{
		nodes:    map[string]Node{},
		children: map[string][]string{},
		parents:  map[string][]string{},
		dg:       depgraph.New(),
	}

	addNode := func(id string, kind NodeKind) {
		if _, ok := g.nodes[id]; !ok {
			g.nodes[id] = Node{ID: id, Kind: kind}
		}
	}
	addEdge := func(parent, child string) error {
		g.children[parent] = append(g.children[parent], child)
		g.parents[child] = append(g.parents[child], parent)
		return g.dg.DependOn(child, parent)
	}

	for _, d := range cfg.Disks {
		addNode(d.ID, NodeKindDisk)
		for _, p := range d.Partitions {
			addNode(p.ID, NodeKindPartition)
			if err := addEdge(d.ID, p.ID); err != nil {
				return nil, errors.Wrapf(err, "graph: disk %q -> partition %q", d.ID, p.ID)
			}
		}
		for _, a := range d.AdoptedPartitions {
			addNode(a.ID, NodeKindPartition)
			if err := addEdge(d.ID, a.ID); err != nil {
				return nil, errors.Wrapf(err, "graph: disk %q -> adopted partition %q", d.ID, a.ID)
			}
		}
	}

	for _, r := range cfg.RaidArrays {
		addNode(r.ID, NodeKindRaid)
		for _, member := range r.Devices {
			if _, ok := g.nodes[member]; !ok {
				return nil, errors.Errorf("graph: raid array %q references undeclared device %q", r.ID, member)
			}
			if err := addEdge(member, r.ID); err != nil {
				return nil, errors.Wrapf(err, "graph: member %q -> raid %q", member, r.ID)
			}
		}
	}

	for _, e := range cfg.EncryptedVolumes {
		addNode(e.ID, NodeKindEncrypted)
		if _, ok := g.nodes[e.DeviceID]; !ok {
			return nil, errors.Errorf("graph: encrypted volume %q references undeclared device %q", e.ID, e.DeviceID)
		}
		if err := addEdge(e.DeviceID, e.ID); err != nil {
			return nil, errors.Wrapf(err, "graph: device %q -> encrypted %q", e.DeviceID, e.ID)
		}
	}

	for _, v := range cfg.VerityDevices {
		addNode(v.ID, NodeKindVerity)
		for _, dep := range []string{v.DataDeviceID, v.HashDeviceID} {
			if _, ok := g.nodes[dep]; !ok {
				return nil, errors.Errorf("graph: verity device %q references undeclared device %q", v.ID, dep)
			}
			if err := addEdge(dep, v.ID); err != nil {
				return nil, errors.Wrapf(err, "graph: device %q -> verity %q", dep, v.ID)
			}
		}
	}

	for _, pair := range cfg.AbVolumePairs {
		addNode(pair.ID, NodeKindAbPair)
		for _, side := range []string{pair.VolumeA, pair.VolumeB} {
			if _, ok := g.nodes[side]; !ok {
				return nil, errors.Errorf("graph: ab_volume_pair %q references undeclared device %q", pair.ID, side)
			}
			if err := addEdge(side, pair.ID); err != nil {
				return nil, errors.Wrapf(err, "graph: side %q -> ab_pair %q", side, pair.ID)
			}
		}
	}

	for i, fs := range cfg.FileSystems {
		id := filesystemNodeID(i, fs)
		addNode(id, NodeKindFilesystem)
		if fs.DeviceID == "" {
			// tmpfs/overlay filesystems have no backing block device and
			// are rooted at the filesystem node itself.
			continue
		}
		if _, ok := g.nodes[fs.DeviceID]; !ok {
			return nil, errors.Errorf("graph: filesystem %q references undeclared device %q", id, fs.DeviceID)
		}
		if err := addEdge(fs.DeviceID, id); err != nil {
			return nil, errors.Wrapf(err, "graph: device %q -> filesystem %q", fs.DeviceID, id)
		}
	}

	// ESP RAID-level validation happens once, here at graph build time,
	// rather than being deferred to boot-entry time.
	if err := validateEspRaidLevel(cfg, g); err != nil {
		return nil, err
	}

	if err := g.checkDAG(); err != nil {
		return nil, err
	}
	if err := g.checkReachability(cfg); err != nil {
		return nil, err
	}

	return g, nil
}

// filesystemNodeID names a filesystem's graph node. Mount points are
// already required to be unique by HostConfiguration.Sanitize, so a mounted
// filesystem is identified by its mount point; tmpfs/overlay entries with
// no declared mount point (there are none today, but nothing requires one)
// fall back to a positional ID.
func filesystemNodeID(index int, fs types.FileSystem) string {
	if fs.MountPoint != "" {
		return "mount:" + fs.MountPoint
	}
	return fmt.Sprintf("filesystem:%d", index)
}

func validateEspRaidLevel(cfg types.HostConfiguration, g *Graph) error {
	for _, fs := range cfg.FileSystems {
		if fs.DeviceID == "" {
			continue
		}
		// An ESP filesystem is recognized by mounting on a partition whose
		// declared type is ESP, or on a RAID array all of whose ESP-typed
		// members qualify it as an ESP-backing array.
		arr := cfg.RaidArrayByID(fs.DeviceID)
		if arr == nil {
			continue
		}
		isEspArray := false
		for _, member := range arr.Devices {
			part := cfg.AllPartitions().GetByID(member)
			if part != nil && part.PartitionType == types.PartitionTypeESP {
				isEspArray = true
				break
			}
		}
		if isEspArray && arr.Level != types.RaidLevel1 {
			return types.NewServicingError(types.ErrorKindInvalidInput,
				"unsupported RAID level for ESP device: only RAID1 is supported")
		}
	}
	return nil
}

func (g *Graph) checkDAG() error {
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return types.NewServicingError(types.ErrorKindInvalidInput, "storage graph contains a cycle at node "+id)
		}
		visiting[id] = true
		for _, c := range g.children[id] {
			if err := visit(c); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}
	for id := range g.nodes {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// checkReachability rejects any node that has no path back to a disk.
func (g *Graph) checkReachability(cfg types.HostConfiguration) error {
	reachable := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, c := range g.children[id] {
			walk(c)
		}
	}
	for _, d := range cfg.Disks {
		walk(d.ID)
	}
	for id, node := range g.nodes {
		if reachable[id] {
			continue
		}
		// A filesystem with no backing device (tmpfs, overlay) is rooted
		// at itself: it has no parent and is never reachable from a disk.
		if node.Kind == NodeKindFilesystem && len(g.parents[id]) == 0 {
			continue
		}
		return types.NewServicingError(types.ErrorKindInvalidInput, "node "+id+" is not reachable from any disk")
	}
	return nil
}

// Children returns the direct children of id.
func (g *Graph) Children(id string) []string {
	return g.children[id]
}

// Parents returns the direct parents of id.
func (g *Graph) Parents(id string) []string {
	return g.parents[id]
}

// Nodes returns every node in the graph.
func (g *Graph) Nodes() map[string]Node {
	return g.nodes
}

// TopoSortedLayers returns nodes grouped by dependency depth, parents
// before children, for orderings such as "partition before RAID before
// encryption before verity".
func (g *Graph) TopoSortedLayers() [][]string {
	return g.dg.TopoSortedLayers()
}
