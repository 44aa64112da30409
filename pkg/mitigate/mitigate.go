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

// Package mitigate selects and applies speculative-execution mitigations.
//
// A Machine binds a detection snapshot (cpuid.FeatureSet), the typed
// administrator overrides (bootparam.Overrides), a register collaborator
// (msr.Registers) and a topology collaborator (smt.Topology). SelectAll
// runs every per-vulnerability selector once, in the fixed boot order the
// cross-vulnerability dependencies require; afterwards the per-kind
// choices are queryable through Report and the typed accessors.
//
// Selection is re-runnable: invoking a selector again with unchanged
// inputs yields the same choice and leaves the shared effect counts
// untouched. The only post-boot entry point is SMTUpdate, which the
// topology collaborator invokes on hotplug events.
package mitigate

import (
	"specctrl.dev/specctrl/pkg/bootparam"
	"specctrl.dev/specctrl/pkg/cpuid"
	"specctrl.dev/specctrl/pkg/log"
	"specctrl.dev/specctrl/pkg/msr"
	"specctrl.dev/specctrl/pkg/smt"
	"specctrl.dev/specctrl/pkg/sync"
)

// Machine is the mitigation state for one boot.
type Machine struct {
	facts *cpuid.FeatureSet
	over  *bootparam.Overrides
	regs  msr.Registers
	topo  smt.Topology

	// mu serializes selection, SMT feedback, and all reads of the
	// selected state. It is the single process-wide serialization point
	// for effect counts and warn latches.
	mu sync.Mutex

	effects effects

	spectreV1 SpectreV1Mode
	spectreV2 SpectreV2Mode
	retbleed  RetbleedMode
	ssb       SSBMode
	l1tf      L1TFMode
	mds       MDSMode
	taa       TAAMode
	mmio      MMIOMode
	srbds     SRBDSMode
	gds       GDSMode

	// pti is the Meltdown page table isolation state.
	pti bool

	// itlbKVM mirrors the hypervisor-reported iTLB multihit mitigation;
	// nil until the KVM collaborator reports in.
	itlbKVM *bool

	// specCtrlBase mirrors the bits the engine keeps set in
	// IA32_SPEC_CTRL.
	specCtrlBase uint64

	// forced and cleared hold software feature adjustments made by the
	// appliers on top of the immutable snapshot.
	forced  map[cpuid.Feature]bool
	cleared map[cpuid.Feature]bool

	// spectreV2Done gates RETBleed selection; selecting RETBleed first
	// is a programming error.
	spectreV2Done bool

	warned warnLatches
}

// warnLatches are the per-kind "warn once per boot" flags, reset only at
// process start. They are guarded by Machine.mu.
type warnLatches struct {
	mdsSMT      bool
	taaSMT      bool
	mmioSMT     bool
	gdsLock     bool
	gdsMismatch bool
}

// New creates a Machine and snapshots the speculation control base from
// the register collaborator. The machine registers itself for topology
// change notifications; call SelectAll before the first hotplug event.
func New(facts *cpuid.FeatureSet, over *bootparam.Overrides, regs msr.Registers, topo smt.Topology) *Machine {
	m := &Machine{
		facts:   facts,
		over:    over,
		regs:    regs,
		topo:    topo,
		forced:  make(map[cpuid.Feature]bool),
		cleared: make(map[cpuid.Feature]bool),
	}
	if base, err := regs.Read(msr.SpecCtrl); err == nil {
		m.specCtrlBase = base
	} else {
		log.Errorf("failed to read %v: %v", msr.SpecCtrl, err)
	}
	topo.Notify(m.SMTUpdate)
	return m
}

// SelectAll runs every selector in boot order. Later selectors consume
// earlier selectors' finalized choices, so the order is fixed: Spectre v1,
// Spectre v2, RETBleed, SSB, L1TF, the MDS/TAA/MMIO triad, SRBDS, GDS.
func (m *Machine) SelectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.selectSpectreV1()
	m.selectSpectreV2()
	m.selectRetbleed(m.spectreV2)
	m.selectSSB()
	m.selectL1TF()
	m.selectMDClear()
	m.selectSRBDS()
	m.selectGDS()
	m.selectMeltdown()

	m.smtUpdateLocked()
}

// SMTUpdate re-applies the SMT-sensitive effects. It is registered as the
// topology change notifier and may be invoked concurrently with itself.
func (m *Machine) SMTUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.smtUpdateLocked()
}

// affected reports whether the snapshot is affected by the kind's bug.
func (m *Machine) affected(k Kind) bool {
	return m.facts.HasBug(k.Bug())
}

// force records a software feature enabled by an applier.
func (m *Machine) force(f cpuid.Feature) {
	m.forced[f] = true
}

// clearCap records a hardware feature disabled by an applier (the GDS
// force mode disables AVX).
func (m *Machine) clearCap(f cpuid.Feature) {
	m.cleared[f] = true
}

// FeatureEnabled returns whether the feature is effective: present in the
// snapshot or forced on, and not cleared by an applier.
func (m *Machine) FeatureEnabled(f cpuid.Feature) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.featureEnabled(f)
}

func (m *Machine) featureEnabled(f cpuid.Feature) bool {
	if m.cleared[f] {
		return false
	}
	return m.forced[f] || m.facts.HasFeature(f)
}

// SetKVMMitigation records whether the hypervisor splits huge pages for
// the iTLB multihit erratum. Reported by the virtualization layer.
func (m *Machine) SetKVMMitigation(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itlbKVM = &enabled
}

// EffectCount returns the current reference count of a shared effect.
func (m *Machine) EffectCount(e Effect) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effects.count(e)
}

// EffectActive returns true when at least one active choice requests the
// effect.
func (m *Machine) EffectActive(e Effect) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effects.count(e) > 0
}

// Typed accessors for the finalized choices.

// SpectreV1 returns the Spectre v1 choice.
func (m *Machine) SpectreV1() SpectreV1Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spectreV1
}

// SpectreV2 returns the Spectre v2 choice.
func (m *Machine) SpectreV2() SpectreV2Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spectreV2
}

// Retbleed returns the RETBleed choice.
func (m *Machine) Retbleed() RetbleedMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retbleed
}

// SSB returns the speculative store bypass choice.
func (m *Machine) SSB() SSBMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ssb
}

// L1TF returns the L1 terminal fault choice.
func (m *Machine) L1TF() L1TFMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.l1tf
}

// MDS returns the MDS choice.
func (m *Machine) MDS() MDSMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mds
}

// TAA returns the TSX async abort choice.
func (m *Machine) TAA() TAAMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taa
}

// MMIO returns the MMIO stale data choice.
func (m *Machine) MMIO() MMIOMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mmio
}

// SRBDS returns the special register buffer data sampling choice.
func (m *Machine) SRBDS() SRBDSMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.srbds
}

// GDS returns the gather data sampling choice.
func (m *Machine) GDS() GDSMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gds
}
