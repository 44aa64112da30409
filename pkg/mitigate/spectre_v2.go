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

// SpectreV2Mode is the Spectre v2 choice.
type SpectreV2Mode int

const (
	// SpectreV2None leaves Spectre v2 unmitigated.
	SpectreV2None SpectreV2Mode = iota
	// SpectreV2Retpoline uses generic return trampolines.
	SpectreV2Retpoline
	// SpectreV2RetpolineAMD uses LFENCE-based trampolines.
	SpectreV2RetpolineAMD
	// SpectreV2RetpolineIBRSUser combines retpolines with IBRS firing
	// around user space transitions.
	SpectreV2RetpolineIBRSUser
	// SpectreV2IBRS restricts indirect branch speculation in the
	// kernel.
	SpectreV2IBRS
	// SpectreV2IBRSAlways keeps IBRS enabled in user space too.
	SpectreV2IBRSAlways
	// SpectreV2EIBRS relies on always-on enhanced IBRS.
	SpectreV2EIBRS
	// SpectreV2IBPDisabled disables indirect branch prediction
	// entirely.
	SpectreV2IBPDisabled
)

// String returns the status string for the mode.
func (m SpectreV2Mode) String() string {
	switch m {
	case SpectreV2None:
		return "Vulnerable"
	case SpectreV2Retpoline:
		return "Mitigation: Full retpoline"
	case SpectreV2RetpolineAMD:
		return "Vulnerable: AMD retpoline (LFENCE/JMP)"
	case SpectreV2RetpolineIBRSUser:
		return "Mitigation: Full retpoline and IBRS (user space)"
	case SpectreV2IBRS:
		return "Mitigation: IBRS (kernel)"
	case SpectreV2IBRSAlways:
		return "Mitigation: IBRS (kernel and user space)"
	case SpectreV2EIBRS:
		return "Mitigation: Enhanced IBRS"
	case SpectreV2IBPDisabled:
		return "Mitigation: IBP disabled"
	default:
		panic(fmt.Sprintf("unknown spectre v2 mode %d", int(m)))
	}
}

// IBRS returns true for the basic IBRS modes, where the IBRS bit is
// toggled on kernel entry and exit.
func (m SpectreV2Mode) IBRS() bool {
	return m == SpectreV2IBRS || m == SpectreV2IBRSAlways
}

var v2Log = log.BasicPrefixLogger("Spectre V2 : ")

// spectreV2ParseCmd validates the requested command against the snapshot
// and downgrades it where the hardware cannot honor it.
func (m *Machine) spectreV2ParseCmd() bootparam.SpectreV2Cmd {
	if m.over.Off() {
		return bootparam.SpectreV2CmdNone
	}
	cmd := m.over.SpectreV2

	if cmd == bootparam.SpectreV2CmdRetpolineAMD {
		if !m.facts.AMD() {
			v2Log.Errorf("retpoline,amd selected but CPU is not AMD. Switching to AUTO select")
			return bootparam.SpectreV2CmdAuto
		}
		if !m.facts.HasFeature(cpuid.FeatureLFenceRDTSC) {
			v2Log.Errorf("LFENCE not serializing. Switching to generic retpoline")
			cmd = bootparam.SpectreV2CmdRetpoline
		}
	}

	// Plain retpolines do not protect against RSB underflow abuse on
	// RETBleed-affected Intel parts.
	if m.affected(KindRetbleed) && m.facts.Intel() {
		switch cmd {
		case bootparam.SpectreV2CmdRetpoline, bootparam.SpectreV2CmdRetpolineAMD:
			v2Log.Errorf("%v selected but CPU is affected by RETBleed. Switching to AUTO select", cmd)
			return bootparam.SpectreV2CmdAuto
		case bootparam.SpectreV2CmdRetpolineForce:
			v2Log.Errorf("RETBleed mitigation is advised for this CPU")
		}
	}

	switch cmd {
	case bootparam.SpectreV2CmdNone, bootparam.SpectreV2CmdAuto:
	default:
		v2Log.Infof("%v selected on command line.", cmd)
	}
	return cmd
}

func (m *Machine) selectSpectreV2() {
	defer func() { m.spectreV2Done = true }()

	cmd := m.spectreV2ParseCmd()
	mode := SpectreV2None

	if m.facts.HasFeature(cpuid.FeatureIBPB) {
		m.force(cpuid.FeatureUseIBPB)
		v2Log.Infof("Enabling Indirect Branch Prediction Barrier")
	}

	if !m.affected(KindSpectreV2) {
		if cmd == bootparam.SpectreV2CmdNone || cmd == bootparam.SpectreV2CmdAuto {
			m.spectreV2 = SpectreV2None
			return
		}
	}

	switch cmd {
	case bootparam.SpectreV2CmdNone:
		m.spectreV2 = SpectreV2None
		return
	case bootparam.SpectreV2CmdForce, bootparam.SpectreV2CmdAuto:
		if m.facts.HasFeature(cpuid.FeatureIBRSEnhanced) {
			mode = SpectreV2EIBRS
		} else {
			mode = SpectreV2Retpoline
		}
	case bootparam.SpectreV2CmdRetpoline, bootparam.SpectreV2CmdRetpolineForce:
		mode = SpectreV2Retpoline
	case bootparam.SpectreV2CmdRetpolineAMD:
		v2Log.Warningf("WARNING: AMD retpoline (LFENCE/JMP) is not a recommended mitigation for this CPU, data leaks possible!")
		mode = SpectreV2RetpolineAMD
	case bootparam.SpectreV2CmdRetpolineIBRSUser:
		if m.facts.HasFeature(cpuid.FeatureSpecCtrl) {
			mode = SpectreV2RetpolineIBRSUser
		} else {
			v2Log.Errorf("retpoline,ibrs_user selected but CPU lacks SPEC_CTRL. Switching to retpoline")
			mode = SpectreV2Retpoline
		}
	case bootparam.SpectreV2CmdIBRS:
		if m.facts.HasFeature(cpuid.FeatureSpecCtrl) {
			mode = SpectreV2IBRS
		} else {
			v2Log.Errorf("ibrs selected but CPU lacks SPEC_CTRL. Switching to retpoline")
			mode = SpectreV2Retpoline
		}
	case bootparam.SpectreV2CmdIBRSAlways:
		switch {
		case m.facts.HasFeature(cpuid.FeatureSpecCtrl):
			mode = SpectreV2IBRSAlways
		case m.facts.HasFeature(cpuid.FeatureIBPDisable):
			mode = SpectreV2IBPDisabled
		default:
			v2Log.Errorf("ibrs_always selected but CPU lacks both SPEC_CTRL and IBP disable. Switching to retpoline")
			mode = SpectreV2Retpoline
		}
	}

	switch mode {
	case SpectreV2EIBRS:
		m.writeSpecCtrlBit(msr.SpecCtrlIBRS, true)
	case SpectreV2IBRS, SpectreV2IBRSAlways, SpectreV2RetpolineIBRSUser:
		m.specCtrlBase |= msr.SpecCtrlIBRS
	}

	m.spectreV2 = mode
	m.updateRRSBA()
	v2Log.Infof("%s", mode)

	// The RSB may underflow into BTB predictions on a deep call stack;
	// fill it on context switch whenever any mitigation is active.
	if m.affected(KindSpectreV2) && mode != SpectreV2None {
		m.force(cpuid.FeatureRSBCtxsw)
		v2Log.Infof("Filling RSB on context switch")
	}
}

// updateRRSBA disables the alternate return predictors when the chosen
// mode would otherwise be undermined by them.
func (m *Machine) updateRRSBA() {
	switch m.spectreV2 {
	case SpectreV2EIBRS, SpectreV2Retpoline, SpectreV2RetpolineIBRSUser:
	default:
		return
	}
	if !m.facts.HasFeature(cpuid.FeatureRRSBACtrl) || !m.facts.ArchCapEnumerated(cpuid.ArchCapRRSBA) {
		return
	}
	m.writeSpecCtrlBit(msr.SpecCtrlRRSBADis, true)
}

// writeSpecCtrlBit updates the speculation control base and pushes it to
// the register collaborator. Failures leave the base unchanged.
func (m *Machine) writeSpecCtrlBit(bit uint64, on bool) {
	base := m.specCtrlBase
	if on {
		base |= bit
	} else {
		base &^= bit
	}
	if base == m.specCtrlBase {
		return
	}
	if err := m.regs.Write(msr.SpecCtrl, base); err != nil {
		log.Errorf("failed to write %v: %v", msr.SpecCtrl, err)
		return
	}
	m.specCtrlBase = base
}
