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

// GDSMode is the gather data sampling choice.
type GDSMode int

const (
	// GDSOff leaves GDS unmitigated.
	GDSOff GDSMode = iota
	// GDSUcodeNeeded means the mitigating microcode is absent.
	GDSUcodeNeeded
	// GDSForce disables AVX to close the gather paths without
	// microcode.
	GDSForce
	// GDSFull slows gather instructions via microcode.
	GDSFull
	// GDSFullLocked is GDSFull with the control locked by firmware.
	GDSFullLocked
	// GDSHypervisor means the state depends on the host.
	GDSHypervisor
)

// String returns the status string for the mode.
func (m GDSMode) String() string {
	switch m {
	case GDSOff:
		return "Vulnerable"
	case GDSUcodeNeeded:
		return "Vulnerable: No microcode"
	case GDSForce:
		return "Mitigation: AVX disabled, no microcode"
	case GDSFull:
		return "Mitigation: Microcode"
	case GDSFullLocked:
		return "Mitigation: Microcode (locked)"
	case GDSHypervisor:
		return "Unknown: Dependent on hypervisor status"
	default:
		panic(fmt.Sprintf("unknown gds mode %d", int(m)))
	}
}

var gdsLog = log.BasicPrefixLogger("GDS: ")

func (m *Machine) selectGDS() {
	if !m.affected(KindGDS) {
		return
	}

	if m.facts.Hypervisor {
		m.gds = GDSHypervisor
		gdsLog.Infof("%s", m.gds)
		return
	}

	mode := GDSFull
	switch {
	case m.over.Off() || m.over.GDS == bootparam.GDSCmdOff:
		mode = GDSOff
	case m.over.GDS == bootparam.GDSCmdForce:
		mode = GDSForce
	}

	if !m.facts.ArchCapEnumerated(cpuid.ArchCapGDSCtrl) {
		if mode == GDSForce {
			m.clearCap(cpuid.FeatureAVX)
			gdsLog.Warningf("Microcode update needed! Disabling AVX as mitigation.")
		} else {
			mode = GDSUcodeNeeded
		}
		m.gds = mode
		gdsLog.Infof("%s", mode)
		return
	}

	// Microcode has the control; force degenerates to the full mode.
	if mode == GDSForce {
		mode = GDSFull
	}

	if ctrl, err := m.regs.Read(msr.MCUOptCtrl); err != nil {
		gdsLog.Errorf("failed to read %v: %v", msr.MCUOptCtrl, err)
	} else if ctrl&msr.GDSMitgLocked != 0 {
		// Firmware locked the control before handoff. A requested
		// disable cannot be honored.
		if mode == GDSOff && !m.warned.gdsLock {
			gdsLog.Warningf("Mitigation locked. Disable failed.")
			m.warned.gdsLock = true
		}
		mode = GDSFullLocked
	}

	m.gds = mode
	m.updateGDSControl()
	gdsLog.Infof("%s", mode)
}

// updateGDSControl pushes the gather control to the microcode and
// verifies the write took effect.
func (m *Machine) updateGDSControl() {
	var err error
	switch m.gds {
	case GDSOff:
		err = msr.SetBits(m.regs, msr.MCUOptCtrl, msr.GDSMitgDis)
	case GDSFull, GDSFullLocked:
		err = msr.ClearBits(m.regs, msr.MCUOptCtrl, msr.GDSMitgDis)
	default:
		return
	}
	if err != nil {
		gdsLog.Errorf("failed to update %v: %v", msr.MCUOptCtrl, err)
		return
	}

	want := m.gds != GDSOff
	ctrl, err := m.regs.Read(msr.MCUOptCtrl)
	if err != nil {
		gdsLog.Errorf("failed to read back %v: %v", msr.MCUOptCtrl, err)
		return
	}
	got := ctrl&msr.GDSMitgDis == 0
	if got != want && !m.warned.gdsMismatch {
		gdsLog.Warningf("Write to %v ignored, mitigation state mismatch.", msr.MCUOptCtrl)
		m.warned.gdsMismatch = true
	}
}
