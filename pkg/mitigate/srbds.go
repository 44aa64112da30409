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

	"specctrl.dev/specctrl/pkg/cpuid"
	"specctrl.dev/specctrl/pkg/log"
	"specctrl.dev/specctrl/pkg/msr"
)

// SRBDSMode is the special register buffer data sampling choice.
type SRBDSMode int

const (
	// SRBDSOff leaves SRBDS unmitigated.
	SRBDSOff SRBDSMode = iota
	// SRBDSUcodeNeeded means the mitigating microcode is absent.
	SRBDSUcodeNeeded
	// SRBDSFull serializes special register reads via microcode.
	SRBDSFull
	// SRBDSTSXOff means the part is only exposed with TSX, which is
	// unavailable.
	SRBDSTSXOff
	// SRBDSHypervisor means the state depends on the host.
	SRBDSHypervisor
)

// String returns the status string for the mode.
func (m SRBDSMode) String() string {
	switch m {
	case SRBDSOff:
		return "Vulnerable"
	case SRBDSUcodeNeeded:
		return "Vulnerable: No microcode"
	case SRBDSFull:
		return "Mitigation: Microcode"
	case SRBDSTSXOff:
		return "Mitigation: TSX disabled"
	case SRBDSHypervisor:
		return "Unknown: Dependent on hypervisor status"
	default:
		panic(fmt.Sprintf("unknown srbds mode %d", int(m)))
	}
}

var srbdsLog = log.BasicPrefixLogger("SRBDS: ")

func (m *Machine) selectSRBDS() {
	if !m.affected(KindSRBDS) {
		return
	}

	mode := SRBDSFull
	switch {
	// MDS_NO parts without TSX are only exposed through TSX or the MMIO
	// stale data paths.
	case m.facts.ArchCapEnumerated(cpuid.ArchCapMDSNo) &&
		!m.facts.HasFeature(cpuid.FeatureRTM) &&
		!m.facts.HasBug(cpuid.BugMMIOStaleData):
		mode = SRBDSTSXOff
	case m.facts.Hypervisor:
		mode = SRBDSHypervisor
	case !m.facts.HasFeature(cpuid.FeatureSRBDSCtrl):
		mode = SRBDSUcodeNeeded
	case m.over.Off() || m.over.SRBDSOff:
		mode = SRBDSOff
	}
	m.srbds = mode

	m.updateSRBDSControl()
	srbdsLog.Infof("%s", mode)
}

// updateSRBDSControl pushes the RNG data sampling control to the
// microcode for the modes that have one.
func (m *Machine) updateSRBDSControl() {
	if m.facts.Hypervisor || !m.facts.HasFeature(cpuid.FeatureSRBDSCtrl) {
		return
	}
	var err error
	switch m.srbds {
	case SRBDSOff, SRBDSTSXOff:
		err = msr.SetBits(m.regs, msr.MCUOptCtrl, msr.RNGDSMitgDis)
	case SRBDSFull:
		err = msr.ClearBits(m.regs, msr.MCUOptCtrl, msr.RNGDSMitgDis)
	default:
		return
	}
	if err != nil {
		srbdsLog.Errorf("failed to update %v: %v", msr.MCUOptCtrl, err)
	}
}
