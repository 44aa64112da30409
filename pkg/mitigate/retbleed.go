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

// RetbleedMode is the RETBleed choice.
type RetbleedMode int

const (
	// RetbleedNone leaves RETBleed unmitigated.
	RetbleedNone RetbleedMode = iota
	// RetbleedUnret routes returns through the untrained return thunk.
	RetbleedUnret
	// RetbleedIBPB issues an IBPB on kernel entry.
	RetbleedIBPB
	// RetbleedIBRS inherits protection from the Spectre v2 IBRS choice.
	RetbleedIBRS
	// RetbleedEIBRS inherits protection from enhanced IBRS.
	RetbleedEIBRS
)

// String returns the status string for the mode.
func (m RetbleedMode) String() string {
	switch m {
	case RetbleedNone:
		return "Vulnerable"
	case RetbleedUnret:
		return "Mitigation: untrained return thunk"
	case RetbleedIBPB:
		return "Mitigation: IBPB"
	case RetbleedIBRS:
		return "Mitigation: IBRS"
	case RetbleedEIBRS:
		return "Mitigation: Enhanced IBRS"
	default:
		panic(fmt.Sprintf("unknown retbleed mode %d", int(m)))
	}
}

var retbleedLog = log.BasicPrefixLogger("RETBleed: ")

// selectRetbleed consumes the finalized Spectre v2 choice, which on Intel
// decides whether the IBRS family already covers RETBleed. Running it
// before Spectre v2 selection is a programming error.
func (m *Machine) selectRetbleed(spectreV2 SpectreV2Mode) {
	if !m.spectreV2Done {
		panic("retbleed selected before spectre v2")
	}
	if !m.affected(KindRetbleed) || m.over.Off() {
		m.retbleed = RetbleedNone
		return
	}

	cmd := m.over.Retbleed
	if cmd == bootparam.RetbleedCmdOff {
		m.retbleed = RetbleedNone
		return
	}
	if cmd == bootparam.RetbleedCmdIBPB && !m.facts.HasFeature(cpuid.FeatureIBPB) {
		retbleedLog.Errorf("WARNING: CPU does not support IBPB.")
		cmd = bootparam.RetbleedCmdAuto
	}

	mode := RetbleedNone
	switch cmd {
	case bootparam.RetbleedCmdUnret:
		mode = RetbleedUnret
	case bootparam.RetbleedCmdIBPB:
		mode = RetbleedIBPB
	case bootparam.RetbleedCmdAuto:
		if m.facts.AMD() {
			mode = RetbleedUnret
		}
		// Intel is handled below from the Spectre v2 choice.
	}

	mitigateSMT := false
	switch mode {
	case RetbleedUnret:
		m.force(cpuid.FeatureRethunk)
		m.force(cpuid.FeatureUnret)
		if !m.facts.AMD() {
			retbleedLog.Errorf("WARNING: BTB untrained return thunk mitigation is only effective on AMD!")
		}
		mitigateSMT = true
	case RetbleedIBPB:
		m.force(cpuid.FeatureEntryIBPB)
		mitigateSMT = true
	}

	// STIBP protects the sibling only when it is enabled in the
	// speculation control base, not merely enumerated.
	stibpOn := m.facts.HasFeature(cpuid.FeatureSTIBP) && m.specCtrlBase&msr.SpecCtrlSTIBP != 0
	if mitigateSMT && !stibpOn && (m.over.RetbleedNoSMT || m.over.AutoNoSMT()) {
		m.topo.Disable(false)
	}

	if m.facts.Intel() {
		switch {
		case spectreV2.IBRS():
			mode = RetbleedIBRS
		case spectreV2 == SpectreV2EIBRS:
			mode = RetbleedEIBRS
		default:
			retbleedLog.Errorf("WARNING: Spectre v2 mitigation leaves CPU vulnerable to RETBleed attacks, data leaks possible!")
		}
	}

	m.retbleed = mode
	retbleedLog.Infof("%s", mode)
}

// retbleedStatus builds the report line, including the SMT qualifier on
// the thunk mode.
func (m *Machine) retbleedStatus() string {
	if m.retbleed == RetbleedUnret {
		if !m.facts.AMD() {
			return "Vulnerable: untrained return thunk on non-Zen uarch"
		}
		smtState := "vulnerable"
		switch {
		case !m.topo.Active():
			smtState = "disabled"
		case m.specCtrlBase&msr.SpecCtrlSTIBP != 0:
			smtState = "enabled with STIBP protection"
		}
		return fmt.Sprintf("%s; SMT %s", m.retbleed, smtState)
	}
	return m.retbleed.String()
}
