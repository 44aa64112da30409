// Copyright 2024 The specctrl Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cpuid describes the capabilities and errata of a processor.
//
// A FeatureSet is the boot-time detection snapshot consumed by the
// mitigation engine: vendor and signature, feature flags, known hardware
// bugs, and the architectural capability bits the processor enumerates.
// It is captured once (from the live system or from a canned fixture) and
// never mutated afterward; selectors treat it as read-only.
package cpuid

import (
	"fmt"
	"sort"
	"strings"
)

// Known vendor ID strings, as reported in /proc/cpuinfo.
const (
	VendorIntel = "GenuineIntel"
	VendorAMD   = "AuthenticAMD"
)

// FeatureSet is a set of Features for a CPU.
//
// All fields are read-only after construction.
type FeatureSet struct {
	// Set is the set of features that are enabled in this FeatureSet.
	Set map[Feature]bool `json:"features"`

	// Bugs is the set of hardware errata the processor is known to be
	// affected by.
	Bugs map[Bug]bool `json:"bugs"`

	// VendorID is the 12-char CPUID vendor string, e.g. "GenuineIntel".
	VendorID string `json:"vendor_id"`

	// Family is the base CPU family, with the extended family already
	// folded in (as /proc/cpuinfo reports it).
	Family uint8 `json:"family"`

	// Model is the CPU model, extended model folded in.
	Model uint8 `json:"model"`

	// SteppingID is the processor stepping.
	SteppingID uint8 `json:"stepping"`

	// ArchCaps is the raw IA32_ARCH_CAPABILITIES value enumerated by the
	// processor, zero when the MSR is not supported.
	ArchCaps uint64 `json:"arch_caps"`

	// Hypervisor is true when the snapshot was taken inside a guest.
	Hypervisor bool `json:"hypervisor"`

	// CacheBits is the number of physical address bits used internally
	// by the cache. Zero means unknown.
	CacheBits uint8 `json:"cache_bits"`

	// MaxRAMAddress is the highest physical address backed by RAM,
	// exclusive. Zero means unknown.
	MaxRAMAddress uint64 `json:"max_ram_address"`
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs *FeatureSet) HasFeature(feature Feature) bool {
	return fs.Set[feature]
}

// HasBug returns true if the processor is affected by the given erratum.
func (fs *FeatureSet) HasBug(bug Bug) bool {
	return fs.Bugs[bug]
}

// Intel returns true if fs describes an Intel CPU.
func (fs *FeatureSet) Intel() bool {
	return fs.VendorID == VendorIntel
}

// AMD returns true if fs describes an AMD CPU.
func (fs *FeatureSet) AMD() bool {
	return fs.VendorID == VendorAMD
}

// ArchCapEnumerated returns true when the given capability bit is set in
// IA32_ARCH_CAPABILITIES.
func (fs *FeatureSet) ArchCapEnumerated(cap uint64) bool {
	return fs.ArchCaps&cap != 0
}

// Fixed returns a deep copy of the FeatureSet. Fixtures hand out copies so
// that test mutations never alias the snapshot under selection.
func (fs *FeatureSet) Fixed() *FeatureSet {
	nfs := *fs
	nfs.Set = make(map[Feature]bool, len(fs.Set))
	for f, ok := range fs.Set {
		nfs.Set[f] = ok
	}
	nfs.Bugs = make(map[Bug]bool, len(fs.Bugs))
	for b, ok := range fs.Bugs {
		nfs.Bugs[b] = ok
	}
	return &nfs
}

// FlagString prints the feature names, sorted, space-separated, in the
// /proc/cpuinfo "flags" format.
func (fs *FeatureSet) FlagString() string {
	var s []string
	for f, ok := range fs.Set {
		if ok {
			s = append(s, f.String())
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// BugString prints the bug names the way /proc/cpuinfo's "bugs" line does.
func (fs *FeatureSet) BugString() string {
	var s []string
	for b, ok := range fs.Bugs {
		if ok {
			s = append(s, b.String())
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// String implements fmt.Stringer.
func (fs *FeatureSet) String() string {
	return fmt.Sprintf("%s family %d model %d stepping %d (bugs: %s)",
		fs.VendorID, fs.Family, fs.Model, fs.SteppingID, fs.BugString())
}
