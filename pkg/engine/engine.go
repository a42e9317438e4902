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

// Package engine holds the servicing driver state machine and the
// EngineContext shared across every storage subsystem. Grounded on
// original_source/src/engine/context/mod.rs (the GetBlockDevicePath
// resolver chain) and on a pluggable-implementation pattern for the
// per-layer resolver registry.
package engine

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/elemental-toolkit/tridentd/pkg/graph"
	"github.com/elemental-toolkit/tridentd/pkg/image"
	"github.com/elemental-toolkit/tridentd/pkg/types"
)

// pathResolver resolves one node kind's block-device path given the
// already-resolved context: each subsystem package registers its own
// resolution step instead of engine importing every subsystem's
// internals directly.
type pathResolver func(ctx *Context, id string) (string, bool)

// Context carries everything a servicing run needs: the desired and
// previous specs, the servicing decision, the storage graph, and the
// resolved paths accumulated as each subsystem completes its phase.
type Context struct {
	Spec         types.HostConfiguration
	PreviousSpec *types.HostConfiguration
	Status       *types.HostStatus
	ServicingType types.ServicingType
	Graph        *graph.Graph
	Source       image.Source
	IsUKI        bool
	DryRun       bool

	resolvedPaths map[string]string
	resolvers     []pathResolver
}

// NewContext builds a Context and registers the default partition -> RAID
// -> encrypted -> verity -> A/B pair resolver chain, in that order.
func NewContext(spec types.HostConfiguration, previous *types.HostStatus) *Context {
	c := &Context{
		Spec:          spec,
		Status:        previous,
		resolvedPaths: map[string]string{},
	}
	if previous != nil {
		prevSpec := previous.Spec
		c.PreviousSpec = &prevSpec
		c.ServicingType = Decide(previous, spec)
	} else {
		c.ServicingType = types.ServicingTypeCleanInstall
	}
	c.registerDefaultResolvers()
	return c
}

// RegisterResolver appends a resolution step, letting a subsystem package
// add its own layer without engine importing that package's internals.
func (c *Context) RegisterResolver(r pathResolver) {
	c.resolvers = append(c.resolvers, r)
}

// SetResolvedPath records a directly known path (e.g. the result of GPT
// creation), short-circuiting the resolver chain for that ID.
func (c *Context) SetResolvedPath(id, path string) {
	c.resolvedPaths[id] = path
}

func (c *Context) registerDefaultResolvers() {
	c.RegisterResolver(func(ctx *Context, id string) (string, bool) {
		for _, d := range ctx.Spec.Disks {
			for _, p := range d.Partitions {
				if p.ID == id {
					if path, ok := ctx.resolvedPaths[id]; ok {
						return path, true
					}
				}
			}
			for _, a := range d.AdoptedPartitions {
				if a.ID == id {
					if path, ok := ctx.resolvedPaths[id]; ok {
						return path, true
					}
				}
			}
		}
		return "", false
	})
	c.RegisterResolver(func(ctx *Context, id string) (string, bool) {
		if arr := ctx.Spec.RaidArrayByID(id); arr != nil {
			if path, ok := ctx.resolvedPaths[id]; ok {
				return path, true
			}
			return fmt.Sprintf("/dev/md/%s", arr.Name), true
		}
		return "", false
	})
	c.RegisterResolver(func(ctx *Context, id string) (string, bool) {
		if vol := ctx.Spec.EncryptedVolumeByID(id); vol != nil {
			return fmt.Sprintf("/dev/mapper/%s", vol.DeviceName), true
		}
		return "", false
	})
	c.RegisterResolver(func(ctx *Context, id string) (string, bool) {
		if dev := ctx.Spec.VerityDeviceByID(id); dev != nil {
			return fmt.Sprintf("/dev/mapper/%s", dev.Name), true
		}
		return "", false
	})
	// An ab_volume_pair ID resolves to whichever member is the update side
	// for this run, not to a fixed member: see GetAbUpdateVolume.
	c.RegisterResolver(func(ctx *Context, id string) (string, bool) {
		pair := ctx.Spec.AbVolumePairByID(id)
		if pair == nil {
			return "", false
		}
		active := types.AbVolumeNone
		if ctx.Status != nil {
			active = ctx.Status.AbActiveVolume
		}
		member := GetAbUpdateVolume(*pair, ctx.ServicingType, active)
		return ctx.GetBlockDevicePath(member)
	})
}

// GetAbUpdateVolume returns the block-device ID of the side of pair that
// this servicing run should write to. A clean install always writes the A
// side, since there is no active side yet. An A/B update writes the side
// opposite ab_active_volume. Any other servicing type (no-active-servicing,
// raid-rebuild) has no update side to compute; it falls back to A, which
// callers only reach through GetBlockDevicePath when something else is
// actually deploying (raid-rebuild never touches A/B pairs directly).
func GetAbUpdateVolume(pair types.AbVolumePair, servicingType types.ServicingType, activeVolume types.AbVolume) string {
	if servicingType == types.ServicingTypeAbUpdate && activeVolume == types.AbVolumeA {
		return pair.VolumeB
	}
	if servicingType == types.ServicingTypeAbUpdate && activeVolume == types.AbVolumeB {
		return pair.VolumeA
	}
	return pair.VolumeA
}

// GetBlockDevicePath walks the registered resolver chain (partition ->
// RAID -> encrypted -> verity -> A/B pair) until one resolver claims the
// ID. An ab_volume_pair ID resolves to its update side for this run, per
// GetAbUpdateVolume, not to a fixed member. Every declared block-device ID
// resolves to exactly one path, or the call fails explicitly: it never
// returns an empty string.
func (c *Context) GetBlockDevicePath(id string) (string, bool) {
	if path, ok := c.resolvedPaths[id]; ok {
		return path, true
	}
	for _, r := range c.resolvers {
		if path, ok := r(c, id); ok {
			return path, true
		}
	}
	return "", false
}

// Decide implements the servicing driver's state machine:
// NotProvisioned -> CleanInstall; Provisioned (or any AbUpdate-terminal
// state) with a changed configuration -> AbUpdate; Provisioned with an
// identical configuration -> NoActiveServicing. RAID rebuild is gated
// separately by ValidateRebuildAllowed, not through this path.
func Decide(status *types.HostStatus, desired types.HostConfiguration) types.ServicingType {
	switch status.ServicingState {
	case types.ServicingStateNotProvisioned:
		return types.ServicingTypeCleanInstall
	case types.ServicingStateProvisioned,
		types.ServicingStateAbUpdateFinalized,
		types.ServicingStateAbUpdateHealthCheckFailed:
		if specsEqual(status.Spec, desired) {
			return types.ServicingTypeNoActiveServicing
		}
		return types.ServicingTypeAbUpdate
	default:
		return types.ServicingTypeNoActiveServicing
	}
}

// RebuildAllowedStates lists the states from which `rebuild-raid` may run.
var RebuildAllowedStates = map[types.ServicingState]bool{
	types.ServicingStateProvisioned:               true,
	types.ServicingStateAbUpdateStaged:            true,
	types.ServicingStateAbUpdateFinalized:         true,
	types.ServicingStateAbUpdateHealthCheckFailed: true,
}

// ValidateRebuildAllowed rejects a rebuild-raid request made from a state
// where it is not gated in.
func ValidateRebuildAllowed(state types.ServicingState) error {
	if !RebuildAllowedStates[state] {
		return types.NewServicingError(types.ErrorKindInvalidInput,
			fmt.Sprintf("rebuild-raid is not permitted from servicing state %q", state))
	}
	return nil
}

func specsEqual(a, b types.HostConfiguration) bool {
	return fmt.Sprintf("%+v", a) == fmt.Sprintf("%+v", b)
}

// AccumulateErrors folds a collection of per-subsystem errors encountered
// during a dry-run validate pass into a single multierror.
func AccumulateErrors(errs ...error) error {
	var result *multierror.Error
	for _, e := range errs {
		if e != nil {
			result = multierror.Append(result, e)
		}
	}
	return result.ErrorOrNil()
}
