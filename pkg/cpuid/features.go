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

package cpuid

// Feature is a single CPU capability flag. Values are the flag names used
// by /proc/cpuinfo, which keeps parsing and serialization trivial.
type Feature string

// String implements fmt.Stringer.
func (f Feature) String() string { return string(f) }

// Features relevant to mitigation selection. The set is not exhaustive;
// unknown flags parsed from a live system are carried verbatim.
const (
	// FeatureMDClear indicates VERW clears CPU buffers (microcode).
	FeatureMDClear Feature = "md_clear"

	// FeatureRTM indicates TSX restricted transactional memory.
	FeatureRTM Feature = "rtm"

	// FeatureSMAP indicates supervisor mode access prevention.
	FeatureSMAP Feature = "smap"

	// FeatureSSBD indicates the CPU can disable speculative store bypass.
	FeatureSSBD Feature = "ssbd"

	// FeatureVirtSSBD indicates SSBD control through the paravirtual MSR.
	FeatureVirtSSBD Feature = "virt_ssbd"

	// FeatureLSCfgSSBD indicates SSBD control through the AMD LS_CFG MSR.
	FeatureLSCfgSSBD Feature = "ls_cfg_ssbd"

	// FeatureSpecCtrl indicates the IA32_SPEC_CTRL MSR is present.
	FeatureSpecCtrl Feature = "spec_ctrl"

	// FeatureSTIBP indicates single thread indirect branch predictors.
	FeatureSTIBP Feature = "stibp"

	// FeatureIBPB indicates the indirect branch prediction barrier.
	FeatureIBPB Feature = "ibpb"

	// FeatureIBRSEnhanced indicates always-on (enhanced) IBRS.
	FeatureIBRSEnhanced Feature = "ibrs_enhanced"

	// FeatureIBPDisable indicates indirect branch prediction can be
	// disabled entirely (some AMD parts).
	FeatureIBPDisable Feature = "ibp_disable"

	// FeatureLFenceRDTSC indicates LFENCE is serializing.
	FeatureLFenceRDTSC Feature = "lfence_rdtsc"

	// FeatureSRBDSCtrl indicates the SRBDS mitigation control (microcode).
	FeatureSRBDSCtrl Feature = "srbds_ctrl"

	// FeatureRRSBACtrl indicates RRSBA behavior can be disabled.
	FeatureRRSBACtrl Feature = "rrsba_ctrl"

	// FeatureAVX indicates advanced vector extensions.
	FeatureAVX Feature = "avx"

	// FeatureFlushL1D indicates the L1 data cache flush control.
	FeatureFlushL1D Feature = "flush_l1d"
)

// Software features. These flags are never reported by hardware; the
// mitigation engine forces them on to activate code paths.
const (
	// FeatureFenceSwapgsUser serializes swapgs on user entry.
	FeatureFenceSwapgsUser Feature = "fence_swapgs_user"

	// FeatureFenceSwapgsKernel serializes swapgs on kernel entry.
	FeatureFenceSwapgsKernel Feature = "fence_swapgs_kernel"

	// FeatureRSBCtxsw fills the return stack buffer on context switch.
	FeatureRSBCtxsw Feature = "rsb_ctxsw"

	// FeatureRethunk routes returns through the return thunk.
	FeatureRethunk Feature = "rethunk"

	// FeatureUnret uses the untrained return thunk.
	FeatureUnret Feature = "unret"

	// FeatureEntryIBPB issues an IBPB on kernel entry.
	FeatureEntryIBPB Feature = "entry_ibpb"

	// FeatureUseIBPB issues IBPB on protected context switches.
	FeatureUseIBPB Feature = "use_ibpb"

	// FeatureSSBDisable keeps speculative store bypass disabled.
	FeatureSSBDisable Feature = "spec_store_bypass_disable"

	// FeatureL1TFPTEInv inverts the address bits of PTEs marked not
	// present.
	FeatureL1TFPTEInv Feature = "l1tf_pteinv"

	// FeaturePTI isolates kernel page tables from user space.
	FeaturePTI Feature = "pti"
)

// Bug is a known hardware erratum. Values are the names used by the
// "bugs" line of /proc/cpuinfo.
type Bug string

// String implements fmt.Stringer.
func (b Bug) String() string { return string(b) }

// The catalogue of errata the engine selects mitigations for. Immutable
// and known at build time.
const (
	BugSpectreV1       Bug = "spectre_v1"
	BugSpectreV2       Bug = "spectre_v2"
	BugSpecStoreBypass Bug = "spec_store_bypass"
	BugL1TF            Bug = "l1tf"
	BugMDS             Bug = "mds"
	BugMSBDSOnly       Bug = "msbds_only"
	BugSwapgs          Bug = "swapgs"
	BugTAA             Bug = "taa"
	BugMMIOStaleData   Bug = "mmio_stale_data"
	BugSRBDS           Bug = "srbds"
	BugGDS             Bug = "gds"
	BugRETBleed        Bug = "retbleed"
	BugMeltdown        Bug = "cpu_meltdown"
	BugITLBMultihit    Bug = "itlb_multihit"
)

// IA32_ARCH_CAPABILITIES bits consumed by the engine.
const (
	// ArchCapRDCLNoNo: not susceptible to Meltdown.
	ArchCapRDCLNo = 1 << 0

	// ArchCapIBRSAll: enhanced IBRS supported.
	ArchCapIBRSAll = 1 << 1

	// ArchCapSkipL1DFlush: no L1D flush needed on VMENTRY.
	ArchCapSkipL1DFlush = 1 << 3

	// ArchCapSSBNo: not susceptible to speculative store bypass.
	ArchCapSSBNo = 1 << 4

	// ArchCapMDSNo: not susceptible to MDS.
	ArchCapMDSNo = 1 << 5

	// ArchCapTSXCtrl: IA32_TSX_CTRL is supported.
	ArchCapTSXCtrl = 1 << 7

	// ArchCapFBSDPNo: fill buffer data cannot be sampled (uncore safe).
	ArchCapFBSDPNo = 1 << 14

	// ArchCapFBClear: VERW clears fill buffers.
	ArchCapFBClear = 1 << 17

	// ArchCapRRSBA: RET may use alternate (non-RSB) predictors.
	ArchCapRRSBA = 1 << 19

	// ArchCapGDSCtrl: microcode exposes the GDS mitigation control.
	ArchCapGDSCtrl = 1 << 25
)
