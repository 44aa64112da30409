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

// SMT warnings, given once per boot when sibling threads undermine an
// active buffer-clearing mitigation.
const (
	mdsSMTWarning  = "MDS CPU bug present and SMT on, data leak possible. See https://www.kernel.org/doc/html/latest/admin-guide/hw-vuln/mds.html for more details."
	taaSMTWarning  = "TAA CPU bug present and SMT on, data leak possible. See https://www.kernel.org/doc/html/latest/admin-guide/hw-vuln/tsx_async_abort.html for more details."
	mmioSMTWarning = "MMIO Stale Data CPU bug present and SMT on, data leak possible. See https://www.kernel.org/doc/html/latest/admin-guide/hw-vuln/processor_mmio_stale_data.html for more details."
)

// smtUpdateLocked re-evaluates the SMT-sensitive effects against the
// current topology. Runs at the end of boot selection and on every
// hotplug notification; it must be idempotent.
func (m *Machine) smtUpdateLocked() {
	switch m.mds {
	case MDSFull, MDSVMWERV:
		if m.topo.Active() && !m.facts.HasBug(cpuid.BugMSBDSOnly) && !m.warned.mdsSMT {
			mdsLog.Warningf("%s", mdsSMTWarning)
			m.warned.mdsSMT = true
		}
		m.updateIdleClear()
	}

	switch m.taa {
	case TAAVERW, TAAUcodeNeeded:
		if m.topo.Active() && !m.warned.taaSMT {
			taaLog.Warningf("%s", taaSMTWarning)
			m.warned.taaSMT = true
		}
	}

	switch m.mmio {
	case MMIOVERW, MMIOUcodeNeeded:
		if m.topo.Active() && !m.warned.mmioSMT {
			mmioLog.Warningf("%s", mmioSMTWarning)
			m.warned.mmioSMT = true
		}
	}
}

// updateIdleClear tracks SMT activity with an idle-clear reference on
// parts affected only by the store buffer variant. The other variants
// leak across siblings regardless, so clearing on idle for them would be
// window dressing.
func (m *Machine) updateIdleClear() {
	if !m.facts.HasBug(cpuid.BugMSBDSOnly) {
		return
	}
	if m.topo.Active() {
		m.effects.set(srcSMTIdle, EffectIdleClear)
	} else {
		m.effects.set(srcSMTIdle)
	}
}
