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

// Package mock contains canned CPUs for mitigation tests.
package mock

import (
	"fmt"

	"specctrl.dev/specctrl/pkg/cpuid"
)

// CPU describes a test machine: the raw /proc/cpuinfo-shaped fields plus
// the capability bits cpuinfo cannot carry.
type CPU struct {
	Name           string
	VendorID       string
	Family         uint8
	Model          uint8
	ModelName      string
	Flags          string
	Bugs           string
	ArchCaps       uint64
	Hypervisor     bool
	CacheBits      uint8
	MaxRAMAddress  uint64
	PhysicalCores  int
	Cores          int
	ThreadsPerCore int
}

// CascadeLake2 is a two thread Intel CascadeLake machine: MDS-family
// affected, has the VERW microcode (md_clear) and TSX.
var CascadeLake2 = CPU{
	Name:           "CascadeLake",
	VendorID:       cpuid.VendorIntel,
	Family:         6,
	Model:          85,
	ModelName:      "Intel(R) Xeon(R) CPU",
	Flags:          "smap ssbd spec_ctrl stibp ibpb md_clear rtm avx flush_l1d lfence_rdtsc",
	Bugs:           "spectre_v1 spectre_v2 spec_store_bypass mds swapgs taa",
	CacheBits:      46,
	MaxRAMAddress:  1 << 36,
	PhysicalCores:  1,
	Cores:          1,
	ThreadsPerCore: 2,
}

// Haswell2 is a two thread Intel Haswell machine: pre-microcode MDS
// hardware, Meltdown and L1TF affected, no md_clear.
var Haswell2 = CPU{
	Name:           "Haswell",
	VendorID:       cpuid.VendorIntel,
	Family:         6,
	Model:          63,
	ModelName:      "Intel(R) Xeon(R) CPU",
	Flags:          "smap ssbd spec_ctrl stibp ibpb rtm avx lfence_rdtsc",
	Bugs:           "cpu_meltdown spectre_v1 spectre_v2 spec_store_bypass l1tf mds swapgs",
	CacheBits:      46,
	MaxRAMAddress:  1 << 35,
	PhysicalCores:  1,
	Cores:          1,
	ThreadsPerCore: 2,
}

// IceLake8 is an eight thread Intel IceLake machine: MDS_NO, but MMIO
// stale data and GDS affected, enhanced IBRS, RETBleed-affected.
var IceLake8 = CPU{
	Name:           "IceLake",
	VendorID:       cpuid.VendorIntel,
	Family:         6,
	Model:          106,
	ModelName:      "Intel(R) Xeon(R) Platinum",
	Flags:          "smap ssbd spec_ctrl stibp ibpb ibrs_enhanced md_clear avx flush_l1d srbds_ctrl rrsba_ctrl lfence_rdtsc",
	Bugs:           "spectre_v1 spectre_v2 spec_store_bypass swapgs mmio_stale_data retbleed gds",
	ArchCaps:       cpuid.ArchCapRDCLNo | cpuid.ArchCapIBRSAll | cpuid.ArchCapMDSNo | cpuid.ArchCapTSXCtrl | cpuid.ArchCapFBClear | cpuid.ArchCapGDSCtrl,
	CacheBits:      52,
	MaxRAMAddress:  1 << 38,
	PhysicalCores:  2,
	Cores:          2,
	ThreadsPerCore: 2,
}

// AMD8 is an eight thread AMD Zen2 machine.
var AMD8 = CPU{
	Name:           "AMD",
	VendorID:       cpuid.VendorAMD,
	Family:         23,
	Model:          49,
	ModelName:      "AMD EPYC 7B12",
	Flags:          "smap ssbd virt_ssbd ibpb stibp lfence_rdtsc avx",
	Bugs:           "sysret_ss_attrs spectre_v1 spectre_v2 spec_store_bypass retbleed",
	CacheBits:      48,
	MaxRAMAddress:  1 << 37,
	PhysicalCores:  4,
	Cores:          1,
	ThreadsPerCore: 2,
}

// CloudGuest is CascadeLake as seen from inside a hypervisor: SRBDS state
// unknowable, host SMT state invisible.
var CloudGuest = CPU{
	Name:           "CloudGuest",
	VendorID:       cpuid.VendorIntel,
	Family:         6,
	Model:          85,
	ModelName:      "Intel(R) Xeon(R) CPU",
	Flags:          "smap ssbd spec_ctrl stibp ibpb md_clear rtm avx flush_l1d lfence_rdtsc",
	Bugs:           "spectre_v1 spectre_v2 spec_store_bypass mds swapgs taa srbds",
	Hypervisor:     true,
	CacheBits:      46,
	MaxRAMAddress:  1 << 34,
	PhysicalCores:  1,
	Cores:          2,
	ThreadsPerCore: 1,
}

// FeatureSet converts the canned CPU to the snapshot the engine consumes.
func (tc CPU) FeatureSet() *cpuid.FeatureSet {
	fs, err := cpuid.ParseCPUInfo(tc.MakeCPUString())
	if err != nil {
		panic(fmt.Sprintf("bad mock %q: %v", tc.Name, err))
	}
	fs.ArchCaps = tc.ArchCaps
	fs.Hypervisor = tc.Hypervisor
	fs.CacheBits = tc.CacheBits
	fs.MaxRAMAddress = tc.MaxRAMAddress
	return fs
}

// MakeCPUString makes a string formatted like /proc/cpuinfo for the mock.
func (tc CPU) MakeCPUString() string {
	template := `processor	: %d
vendor_id	: %s
cpu family	: %d
model		: %d
model name	: %s
stepping	: 4
flags		: %s
bugs		: %s

`
	flags := tc.Flags
	if tc.Hypervisor {
		flags += " hypervisor"
	}

	ret := ``
	n := tc.PhysicalCores * tc.Cores * tc.ThreadsPerCore
	for i := 0; i < n; i++ {
		ret += fmt.Sprintf(template,
			i,           /* processor */
			tc.VendorID, /* vendor_id */
			tc.Family,   /* cpu family */
			tc.Model,    /* model */
			tc.ModelName,
			flags,
			tc.Bugs,
		)
	}
	return ret
}

// ThreadCount is the number of logical CPUs on the mock machine.
func (tc CPU) ThreadCount() int {
	return tc.PhysicalCores * tc.Cores * tc.ThreadsPerCore
}

// SMT is true when the mock machine has hyperthread pairs.
func (tc CPU) SMT() bool {
	return tc.ThreadsPerCore > 1
}
