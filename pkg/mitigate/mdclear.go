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
)

// The MDS, TAA and MMIO stale data vulnerabilities share the VERW buffer
// clearing machinery, so their selectors run as one group followed by an
// update pass that resolves the cross dependencies.

// MDSMode is the MDS choice.
type MDSMode int

const (
	// MDSOff leaves MDS unmitigated.
	MDSOff MDSMode = iota
	// MDSFull clears CPU buffers on return to user space.
	MDSFull
	// MDSVMWERV attempts the clear without the microcode that makes it
	// reliable.
	MDSVMWERV
)

// String returns the status string for the mode.
func (m MDSMode) String() string {
	switch m {
	case MDSOff:
		return "Vulnerable"
	case MDSFull:
		return "Mitigation: Clear CPU buffers"
	case MDSVMWERV:
		return "Vulnerable: Clear CPU buffers attempted, no microcode"
	default:
		panic(fmt.Sprintf("unknown mds mode %d", int(m)))
	}
}

// TAAMode is the TSX async abort choice.
type TAAMode int

const (
	// TAAOff leaves TAA unmitigated.
	TAAOff TAAMode = iota
	// TAAUcodeNeeded attempts the clear without the required microcode.
	TAAUcodeNeeded
	// TAAVERW clears CPU buffers on return to user space.
	TAAVERW
	// TAATSXDisabled means TSX is unavailable, closing the attack
	// surface.
	TAATSXDisabled
)

// String returns the status string for the mode.
func (m TAAMode) String() string {
	switch m {
	case TAAOff:
		return "Vulnerable"
	case TAAUcodeNeeded:
		return "Vulnerable: Clear CPU buffers attempted, no microcode"
	case TAAVERW:
		return "Mitigation: Clear CPU buffers"
	case TAATSXDisabled:
		return "Mitigation: TSX disabled"
	default:
		panic(fmt.Sprintf("unknown taa mode %d", int(m)))
	}
}

// MMIOMode is the MMIO stale data choice.
type MMIOMode int

const (
	// MMIOOff leaves MMIO stale data unmitigated.
	MMIOOff MMIOMode = iota
	// MMIOUcodeNeeded attempts the clear without the required
	// microcode.
	MMIOUcodeNeeded
	// MMIOVERW clears CPU buffers on MMIO and user return boundaries.
	MMIOVERW
)

// String returns the status string for the mode.
func (m MMIOMode) String() string {
	switch m {
	case MMIOOff:
		return "Vulnerable"
	case MMIOUcodeNeeded:
		return "Vulnerable: Clear CPU buffers attempted, no microcode"
	case MMIOVERW:
		return "Mitigation: Clear CPU buffers"
	default:
		panic(fmt.Sprintf("unknown mmio mode %d", int(m)))
	}
}

var (
	mdsLog  = log.BasicPrefixLogger("MDS: ")
	taaLog  = log.BasicPrefixLogger("TAA: ")
	mmioLog = log.BasicPrefixLogger("MMIO Stale Data: ")
)

// selectMDClear runs the three VERW-family selectors and the update pass.
func (m *Machine) selectMDClear() {
	m.selectMDSWith(m.over.MDS)
	m.selectTAAWith(m.over.TAA)
	m.selectMMIOWith(m.over.MMIO)
	m.mdClearUpdate()
}

func (m *Machine) selectMDSWith(cmd bootparam.VERWCmd) {
	if !m.affected(KindMDS) || m.over.Off() || cmd == bootparam.VERWCmdOff {
		m.mds = MDSOff
		m.effects.set(srcMDS)
		return
	}

	mode := MDSFull
	if !m.facts.HasFeature(cpuid.FeatureMDClear) {
		// Old microcode. VERW may clear part of the buffers anyway, so
		// it is attempted and the status reflects the uncertainty.
		mode = MDSVMWERV
	}
	m.mds = mode
	m.effects.set(srcMDS, EffectUserClear)

	if !m.facts.HasBug(cpuid.BugMSBDSOnly) &&
		(m.over.MDSNoSMT || m.over.AutoNoSMT()) {
		m.topo.Disable(false)
	}
}

func (m *Machine) selectTAAWith(cmd bootparam.VERWCmd) {
	if !m.affected(KindTAA) {
		m.taa = TAAOff
		m.effects.set(srcTAA)
		return
	}
	if !m.facts.HasFeature(cpuid.FeatureRTM) {
		// TSX is fused off or disabled by microcode. Nothing to abort.
		m.taa = TAATSXDisabled
		m.effects.set(srcTAA)
		return
	}
	if m.over.Off() {
		m.taa = TAAOff
		m.effects.set(srcTAA)
		return
	}

	// TAA mitigation via VERW is turned off only when the MDS mitigation
	// is off as well, since the same buffers are cleared.
	if cmd == bootparam.VERWCmdOff && m.mds == MDSOff {
		m.taa = TAAOff
		m.effects.set(srcTAA)
		return
	}

	mode := TAAUcodeNeeded
	if m.facts.HasFeature(cpuid.FeatureMDClear) {
		mode = TAAVERW
	}
	// On MDS_NO parts the updated microcode is identified by the
	// presence of TSX_CTRL; without it VERW does not clear the buffers.
	if m.facts.ArchCapEnumerated(cpuid.ArchCapMDSNo) &&
		!m.facts.ArchCapEnumerated(cpuid.ArchCapTSXCtrl) {
		mode = TAAUcodeNeeded
	}
	m.taa = mode
	m.effects.set(srcTAA, EffectUserClear)

	if m.over.TAANoSMT || m.over.AutoNoSMT() {
		m.topo.Disable(false)
	}
}

func (m *Machine) selectMMIOWith(cmd bootparam.VERWCmd) {
	if !m.affected(KindMMIOStaleData) || m.over.Off() || cmd == bootparam.VERWCmdOff {
		m.mmio = MMIOOff
		m.effects.set(srcMMIO)
		m.effects.set(srcMMIOIdle)
		return
	}

	// When also affected by MDS or TAA the user return clear already
	// covers the host, otherwise only the MMIO access paths need it.
	if m.facts.HasBug(cpuid.BugMDS) ||
		(m.facts.HasBug(cpuid.BugTAA) && m.facts.HasFeature(cpuid.FeatureRTM)) {
		m.effects.set(srcMMIO, EffectUserClear)
	} else {
		m.effects.set(srcMMIO, EffectMMIOClear)
	}

	// Fill buffer data can reach uncore buffers; clear on idle
	// irrespective of SMT state unless the part says it cannot.
	if !m.facts.ArchCapEnumerated(cpuid.ArchCapFBSDPNo) {
		m.effects.set(srcMMIOIdle, EffectIdleClear)
	} else {
		m.effects.set(srcMMIOIdle)
	}

	if m.facts.ArchCapEnumerated(cpuid.ArchCapFBClear) ||
		(m.facts.HasFeature(cpuid.FeatureMDClear) &&
			m.facts.HasFeature(cpuid.FeatureFlushL1D) &&
			!m.facts.ArchCapEnumerated(cpuid.ArchCapMDSNo)) {
		m.mmio = MMIOVERW
	} else {
		m.mmio = MMIOUcodeNeeded
	}

	if m.over.MMIONoSMT || m.over.AutoNoSMT() {
		m.topo.Disable(false)
	}
}

// mdClearUpdate folds the shared machinery back into the individual
// choices: once any of the three enables the user return clear, the
// others get it for free and their "off" no longer means vulnerable.
func (m *Machine) mdClearUpdate() {
	if m.over.Off() {
		return
	}

	if m.effects.enabled(EffectUserClear) {
		if m.mds == MDSOff && m.affected(KindMDS) {
			m.selectMDSWith(bootparam.VERWCmdFull)
		}
		if m.taa == TAAOff && m.affected(KindTAA) {
			m.selectTAAWith(bootparam.VERWCmdFull)
		}
		if m.mmio == MMIOOff && m.affected(KindMMIOStaleData) {
			m.selectMMIOWith(bootparam.VERWCmdFull)
		}
	}

	if m.affected(KindMDS) {
		mdsLog.Infof("%s", m.mds)
	}
	if m.affected(KindTAA) {
		taaLog.Infof("%s", m.taa)
	}
	if m.affected(KindMMIOStaleData) {
		mmioLog.Infof("%s", m.mmio)
	}
}

// verwSMTSuffix is the shared "<status>; SMT <state>" report shape.
func verwSMTSuffix(status string, smtActive bool) string {
	if smtActive {
		return status + "; SMT vulnerable"
	}
	return status + "; SMT disabled"
}

func (m *Machine) mdsStatus() string {
	if m.facts.Hypervisor {
		return m.mds.String() + "; SMT Host state unknown"
	}
	if m.facts.HasBug(cpuid.BugMSBDSOnly) {
		state := "disabled"
		if m.topo.Active() {
			if m.mds == MDSOff {
				state = "vulnerable"
			} else {
				state = "mitigated"
			}
		}
		return fmt.Sprintf("%s; SMT %s", m.mds, state)
	}
	return verwSMTSuffix(m.mds.String(), m.topo.Active())
}

func (m *Machine) taaStatus() string {
	if m.taa == TAATSXDisabled || m.taa == TAAOff {
		return m.taa.String()
	}
	if m.facts.Hypervisor {
		return m.taa.String() + "; SMT Host state unknown"
	}
	return verwSMTSuffix(m.taa.String(), m.topo.Active())
}

func (m *Machine) mmioStatus() string {
	if m.mmio == MMIOOff {
		return m.mmio.String()
	}
	if m.facts.Hypervisor {
		return m.mmio.String() + "; SMT Host state unknown"
	}
	return verwSMTSuffix(m.mmio.String(), m.topo.Active())
}
