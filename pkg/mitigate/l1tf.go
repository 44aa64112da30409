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

// L1TFMode is the L1 terminal fault choice.
type L1TFMode int

const (
	// L1TFOff leaves L1TF unmitigated.
	L1TFOff L1TFMode = iota
	// L1TFFlush inverts PTEs and conditionally flushes L1D on VM entry.
	L1TFFlush
	// L1TFFlushNowarn is L1TFFlush without the SMT warning.
	L1TFFlushNowarn
	// L1TFFlushNoSMT additionally disables SMT.
	L1TFFlushNoSMT
	// L1TFFull unconditionally flushes and disables SMT.
	L1TFFull
	// L1TFFullForce is L1TFFull with the SMT disable made sticky.
	L1TFFullForce
)

// String returns the selection spelling for the mode.
func (m L1TFMode) String() string {
	switch m {
	case L1TFOff:
		return "off"
	case L1TFFlush:
		return "flush"
	case L1TFFlushNowarn:
		return "flush,nowarn"
	case L1TFFlushNoSMT:
		return "flush,nosmt"
	case L1TFFull:
		return "full"
	case L1TFFullForce:
		return "full,force"
	default:
		panic(fmt.Sprintf("unknown l1tf mode %d", int(m)))
	}
}

var l1tfLog = log.BasicPrefixLogger("L1TF: ")

// Intel family 6 models whose CPUID-reported physical address width
// understates the bits the L1D actually uses. The effective width for
// the inversion mask is at least 44 bits on these parts.
var l1tfNarrowCacheModels = map[uint8]bool{
	0x1E: true, // Nehalem
	0x25: true, // Westmere
	0x2A: true, // Sandy Bridge
	0x3A: true, // Ivy Bridge
	0x3C: true, // Haswell
	0x45: true, // Haswell ULT
	0x46: true, // Haswell GT3e
	0x3D: true, // Broadwell
	0x47: true, // Broadwell GT3e
	0x4E: true, // Skylake mobile
	0x5E: true, // Skylake desktop
	0x8E: true, // Kaby Lake mobile
	0x9E: true, // Kaby Lake desktop
}

// l1tfCacheBits returns the physical address width to build the inversion
// mask from, corrected for parts that report fewer bits than the cache
// uses.
func (m *Machine) l1tfCacheBits() uint8 {
	bits := m.facts.CacheBits
	if !m.facts.Intel() || m.facts.Family != 6 {
		return bits
	}
	if !l1tfNarrowCacheModels[m.facts.Model] {
		return bits
	}
	if bits < 44 {
		return 44
	}
	return bits
}

func (m *Machine) selectL1TF() {
	if !m.affected(KindL1TF) {
		m.l1tf = L1TFOff
		return
	}

	mode := L1TFFlush
	switch {
	case m.over.Off():
		mode = L1TFOff
	case m.over.AutoNoSMT():
		mode = L1TFFlushNoSMT
	default:
		switch m.over.L1TF {
		case bootparam.L1TFCmdOff:
			mode = L1TFOff
		case bootparam.L1TFCmdFlush, bootparam.L1TFCmdDefault:
			mode = L1TFFlush
		case bootparam.L1TFCmdFlushNowarn:
			mode = L1TFFlushNowarn
		case bootparam.L1TFCmdFlushNoSMT:
			mode = L1TFFlushNoSMT
		case bootparam.L1TFCmdFull:
			mode = L1TFFull
		case bootparam.L1TFCmdFullForce:
			mode = L1TFFullForce
		}
	}
	m.l1tf = mode

	switch mode {
	case L1TFFlushNoSMT, L1TFFull:
		m.topo.Disable(false)
	case L1TFFullForce:
		m.topo.Disable(true)
	}

	// PTE inversion only protects addresses below half the cache-visible
	// physical address space. With more RAM than that, swap entries can
	// alias real memory and the mitigation cannot be made effective.
	if bits := m.l1tfCacheBits(); bits > 0 {
		halfPA := uint64(1) << (bits - 1)
		if m.facts.MaxRAMAddress > halfPA {
			l1tfLog.Warningf("System has more than MAX_PA/2 memory. L1TF mitigation not effective.")
			return
		}
	}
	m.force(cpuid.FeatureL1TFPTEInv)
}

// l1tfStatus builds the report line. PTE inversion applies whenever the
// half-address limit allowed it, independent of the VM flush selection.
func (m *Machine) l1tfStatus() string {
	if !m.featureEnabled(cpuid.FeatureL1TFPTEInv) {
		return "Vulnerable"
	}
	return "Mitigation: PTE Inversion"
}
