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

package mitigate

import (
	"fmt"

	"specctrl.dev/specctrl/pkg/bootparam"
	"specctrl.dev/specctrl/pkg/cpuid"
	"specctrl.dev/specctrl/pkg/log"
	"specctrl.dev/specctrl/pkg/msr"
)

// SSBMode is the speculative store bypass choice.
type SSBMode int

const (
	// SSBNone leaves store bypass enabled.
	SSBNone SSBMode = iota
	// SSBDisable keeps store bypass disabled globally.
	SSBDisable
	// SSBPrctl lets tasks opt in to the disable.
	SSBPrctl
	// SSBSeccomp opts seccomp tasks in automatically, on top of prctl.
	SSBSeccomp
)

// String returns the status string for the mode.
func (m SSBMode) String() string {
	switch m {
	case SSBNone:
		return "Vulnerable"
	case SSBDisable:
		return "Mitigation: Speculative Store Bypass disabled"
	case SSBPrctl:
		return "Mitigation: Speculative Store Bypass disabled via prctl"
	case SSBSeccomp:
		return "Mitigation: Speculative Store Bypass disabled via prctl and seccomp"
	default:
		panic(fmt.Sprintf("unknown ssb mode %d", int(m)))
	}
}

// taskControllable reports whether tasks may toggle their own store
// bypass state.
func (m SSBMode) taskControllable() bool {
	return m == SSBPrctl || m == SSBSeccomp
}

var ssbLog = log.BasicPrefixLogger("Speculative Store Bypass: ")

// amdLSCfgSSBDMask returns the non-architectural disable bit in the AMD
// LS_CFG MSR for the family, or 0 when the family has none.
func amdLSCfgSSBDMask(family uint8) uint64 {
	switch family {
	case 0x15:
		return 1 << 54
	case 0x16:
		return 1 << 33
	case 0x17:
		return 1 << 10
	default:
		return 0
	}
}

func (m *Machine) selectSSB() {
	m.ssb = m.computeSSB()
	m.effects.set(srcSSB, m.ssbEffects()...)
	if m.affected(KindSSB) {
		ssbLog.Infof("%s", m.ssb)
	}
}

func (m *Machine) ssbEffects() []Effect {
	if m.ssb.taskControllable() {
		return []Effect{EffectSSBDUserset}
	}
	return nil
}

func (m *Machine) computeSSB() SSBMode {
	if !m.facts.HasFeature(cpuid.FeatureSSBD) {
		return SSBNone
	}

	cmd := m.over.SSB
	if m.over.Off() {
		cmd = bootparam.SSBCmdNone
	}
	if !m.affected(KindSSB) &&
		(cmd == bootparam.SSBCmdNone || cmd == bootparam.SSBCmdAuto) {
		return SSBNone
	}

	mode := SSBNone
	switch cmd {
	case bootparam.SSBCmdAuto, bootparam.SSBCmdSeccomp:
		mode = SSBSeccomp
	case bootparam.SSBCmdOn:
		mode = SSBDisable
	case bootparam.SSBCmdPrctl:
		mode = SSBPrctl
	case bootparam.SSBCmdNone:
	}

	if mode == SSBDisable {
		if !m.applySSBDisable() {
			return SSBNone
		}
		m.force(cpuid.FeatureSSBDisable)
	}
	return mode
}

// applySSBDisable sets the store bypass disable bit through whichever
// control the part exposes. Returns false when the register write fails,
// leaving the vulnerability unmitigated.
func (m *Machine) applySSBDisable() bool {
	if !m.facts.HasFeature(cpuid.FeatureSpecCtrl) {
		return m.amdSSBDisable()
	}
	base := m.specCtrlBase | msr.SpecCtrlSSBD
	if err := m.regs.Write(msr.SpecCtrl, base); err != nil {
		ssbLog.Errorf("failed to write %v: %v", msr.SpecCtrl, err)
		return false
	}
	m.specCtrlBase = base
	return true
}

func (m *Machine) amdSSBDisable() bool {
	switch {
	case m.facts.HasFeature(cpuid.FeatureVirtSSBD):
		if err := m.regs.Write(msr.AMD64VirtSpecCtrl, msr.SpecCtrlSSBD); err != nil {
			ssbLog.Errorf("failed to write %v: %v", msr.AMD64VirtSpecCtrl, err)
			return false
		}
		return true
	case m.facts.HasFeature(cpuid.FeatureLSCfgSSBD):
		mask := amdLSCfgSSBDMask(m.facts.Family)
		if mask == 0 {
			return false
		}
		if err := msr.SetBits(m.regs, msr.AMD64LSCfg, mask); err != nil {
			ssbLog.Errorf("failed to write %v: %v", msr.AMD64LSCfg, err)
			return false
		}
		return true
	default:
		return false
	}
}
