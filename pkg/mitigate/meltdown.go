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

import "specctrl.dev/specctrl/pkg/cpuid"

// selectMeltdown enables kernel page table isolation on affected parts.
func (m *Machine) selectMeltdown() {
	if !m.affected(KindMeltdown) || m.over.Off() {
		return
	}
	m.pti = true
	m.force(cpuid.FeaturePTI)
}

func (m *Machine) meltdownStatus() string {
	if m.pti {
		return "Mitigation: PTI"
	}
	return "Vulnerable"
}

// itlbStatus reflects what the virtualization layer reported. Until it
// reports, the exposure is unknown and assumed present.
func (m *Machine) itlbStatus() string {
	switch {
	case m.itlbKVM == nil:
		return "Processor vulnerable"
	case *m.itlbKVM:
		return "KVM: Mitigation: Split huge pages"
	default:
		return "KVM: Vulnerable"
	}
}
