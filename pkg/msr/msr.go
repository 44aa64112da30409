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

// Package msr models the model-specific registers the mitigation engine
// reads and writes.
//
// The engine never touches hardware directly; it goes through the
// Registers interface. The Bank implementation backs tests and dry runs
// with plain memory, including emulation of write-ignoring locked state.
package msr

import (
	"fmt"

	"specctrl.dev/specctrl/pkg/sync"
)

// Reg is an MSR address.
type Reg uint32

// Registers consumed by the engine.
const (
	// SpecCtrl is IA32_SPEC_CTRL.
	SpecCtrl Reg = 0x48

	// PredCmd is IA32_PRED_CMD, write-only barrier triggers.
	PredCmd Reg = 0x49

	// MCUOptCtrl is IA32_MCU_OPT_CTRL, microcode mitigation controls.
	MCUOptCtrl Reg = 0x123

	// AMD64LSCfg is the AMD load/store configuration register.
	AMD64LSCfg Reg = 0xc0011020

	// AMD64VirtSpecCtrl is the paravirtual speculation control register.
	AMD64VirtSpecCtrl Reg = 0xc001011f
)

// IA32_SPEC_CTRL bits.
const (
	SpecCtrlIBRS     = 1 << 0
	SpecCtrlSTIBP    = 1 << 1
	SpecCtrlSSBD     = 1 << 2
	SpecCtrlRRSBADis = 1 << 6
)

// IA32_MCU_OPT_CTRL bits.
const (
	// RNGDSMitgDis disables the SRBDS mitigation.
	RNGDSMitgDis = 1 << 0

	// GDSMitgDis disables the GDS mitigation.
	GDSMitgDis = 1 << 4

	// GDSMitgLocked indicates the GDS mitigation control is latched on;
	// writes to GDSMitgDis are ignored while set.
	GDSMitgLocked = 1 << 5
)

func (r Reg) String() string {
	switch r {
	case SpecCtrl:
		return "IA32_SPEC_CTRL"
	case PredCmd:
		return "IA32_PRED_CMD"
	case MCUOptCtrl:
		return "IA32_MCU_OPT_CTRL"
	case AMD64LSCfg:
		return "MSR_AMD64_LS_CFG"
	case AMD64VirtSpecCtrl:
		return "MSR_AMD64_VIRT_SPEC_CTRL"
	default:
		return fmt.Sprintf("MSR %#x", uint32(r))
	}
}

// Registers is synchronous get/set of control-register values. A failed
// Write leaves the prior value in effect.
type Registers interface {
	// Read returns the current register value.
	Read(reg Reg) (uint64, error)

	// Write replaces the register value.
	Write(reg Reg, val uint64) error
}

// WriteHook intercepts a Bank write. It receives the prior and proposed
// values and returns the value actually stored. Returning an error
// simulates a faulting WRMSR; nothing is stored.
type WriteHook func(reg Reg, old, val uint64) (uint64, error)

// Bank is an in-memory Registers implementation.
//
// The zero Bank is usable and starts with all registers zeroed.
type Bank struct {
	mu    sync.Mutex
	regs  map[Reg]uint64
	hooks map[Reg]WriteHook
}

// NewBank returns a Bank seeded with the given register values.
func NewBank(init map[Reg]uint64) *Bank {
	b := &Bank{regs: make(map[Reg]uint64, len(init))}
	for r, v := range init {
		b.regs[r] = v
	}
	return b
}

// Read implements Registers.Read.
func (b *Bank) Read(reg Reg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[reg], nil
}

// Write implements Registers.Write.
func (b *Bank) Write(reg Reg, val uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regs == nil {
		b.regs = make(map[Reg]uint64)
	}
	if hook, ok := b.hooks[reg]; ok {
		stored, err := hook(reg, b.regs[reg], val)
		if err != nil {
			return err
		}
		b.regs[reg] = stored
		return nil
	}
	b.regs[reg] = val
	return nil
}

// Hook installs a write hook for reg, replacing any existing one.
func (b *Bank) Hook(reg Reg, hook WriteHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hooks == nil {
		b.hooks = make(map[Reg]WriteHook)
	}
	b.hooks[reg] = hook
}

// GDSLockHook returns a WriteHook that models the hardware GDS latch:
// while GDSMitgLocked is set, attempts to flip GDSMitgDis are silently
// ignored, matching what locked silicon does with the write.
func GDSLockHook() WriteHook {
	return func(reg Reg, old, val uint64) (uint64, error) {
		if old&GDSMitgLocked != 0 {
			val &^= GDSMitgDis
			val |= old & GDSMitgDis
			val |= GDSMitgLocked
		}
		return val, nil
	}
}

// SetBits reads reg, ORs in bits, and writes it back.
func SetBits(regs Registers, reg Reg, bits uint64) error {
	val, err := regs.Read(reg)
	if err != nil {
		return err
	}
	return regs.Write(reg, val|bits)
}

// ClearBits reads reg, clears bits, and writes it back.
func ClearBits(regs Registers, reg Reg, bits uint64) error {
	val, err := regs.Read(reg)
	if err != nil {
		return err
	}
	return regs.Write(reg, val&^bits)
}
