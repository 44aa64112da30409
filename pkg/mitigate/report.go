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
	"specctrl.dev/specctrl/pkg/cpuid"
	"specctrl.dev/specctrl/pkg/msr"
)

// Status is the queryable outcome for one kind.
type Status struct {
	Kind     Kind
	Affected bool

	// Line is the full status line, including SMT and predictor
	// qualifiers where the kind has them.
	Line string
}

// Report returns the status for one kind. Valid any time after
// SelectAll; the SMT qualifiers track the live topology.
func (m *Machine) Report(k Kind) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportLocked(k)
}

// ReportAll returns the status of every tracked kind, in selection
// order.
func (m *Machine) ReportAll() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(AllKinds))
	for _, k := range AllKinds {
		out = append(out, m.reportLocked(k))
	}
	return out
}

func (m *Machine) reportLocked(k Kind) Status {
	st := Status{Kind: k, Affected: m.affected(k)}
	if !st.Affected {
		st.Line = "Not affected"
		return st
	}
	switch k {
	case KindSpectreV1:
		st.Line = m.spectreV1.String()
	case KindSpectreV2:
		st.Line = m.spectreV2Status()
	case KindRetbleed:
		st.Line = m.retbleedStatus()
	case KindSSB:
		st.Line = m.ssb.String()
	case KindL1TF:
		st.Line = m.l1tfStatus()
	case KindMDS:
		st.Line = m.mdsStatus()
	case KindTAA:
		st.Line = m.taaStatus()
	case KindMMIOStaleData:
		st.Line = m.mmioStatus()
	case KindSRBDS:
		st.Line = m.srbds.String()
	case KindGDS:
		st.Line = m.gds.String()
	case KindMeltdown:
		st.Line = m.meltdownStatus()
	case KindITLBMultihit:
		st.Line = m.itlbStatus()
	}
	return st
}

func (m *Machine) spectreV2Status() string {
	line := m.spectreV2.String()
	if m.featureEnabled(cpuid.FeatureUseIBPB) {
		line += ", IBPB"
	}
	// Enhanced IBRS protects sibling threads by construction; the STIBP
	// qualifier only applies to the toggled modes.
	if m.spectreV2 != SpectreV2EIBRS && m.specCtrlBase&msr.SpecCtrlSTIBP != 0 {
		line += ", STIBP"
	}
	return line
}
