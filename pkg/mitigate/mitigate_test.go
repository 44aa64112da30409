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
	"strings"
	"testing"
	"time"

	"specctrl.dev/specctrl/pkg/bootparam"
	"specctrl.dev/specctrl/pkg/cpuid"
	"specctrl.dev/specctrl/pkg/cpuid/mock"
	"specctrl.dev/specctrl/pkg/log"
	"specctrl.dev/specctrl/pkg/msr"
	"specctrl.dev/specctrl/pkg/smt"
	"specctrl.dev/specctrl/pkg/sync"
)

// captureEmitter collects log lines for assertion.
type captureEmitter struct {
	mu    sync.Mutex
	lines []string
}

// Emit implements log.Emitter.Emit.
func (c *captureEmitter) Emit(level log.Level, timestamp time.Time, format string, v ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func (c *captureEmitter) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

// captureLog redirects the global logger for the duration of the test.
func captureLog(t *testing.T) *captureEmitter {
	t.Helper()
	c := &captureEmitter{}
	old := log.Log()
	log.SetTarget(c)
	t.Cleanup(func() { log.SetTarget(old) })
	return c
}

func newTestMachine(t *testing.T, cpu mock.CPU, cmdline string, bank *msr.Bank) (*Machine, *smt.State) {
	t.Helper()
	if bank == nil {
		bank = &msr.Bank{}
	}
	topo := smt.NewState(cpu.SMT())
	over := bootparam.ResolveOverrides(bootparam.ParseLine(cmdline))
	return New(cpu.FeatureSet(), over, bank, topo), topo
}

func TestNotAffectedKindsStayQuiet(t *testing.T) {
	// AMD Zen2 is not affected by the MDS family, L1TF, SRBDS or GDS.
	m, _ := newTestMachine(t, mock.AMD8, "", nil)
	m.SelectAll()

	for _, k := range []Kind{KindMDS, KindTAA, KindMMIOStaleData, KindL1TF, KindSRBDS, KindGDS, KindMeltdown} {
		st := m.Report(k)
		if st.Affected {
			t.Errorf("%v reported affected on AMD8", k)
		}
		if st.Line != "Not affected" {
			t.Errorf("%v status = %q, want %q", k, st.Line, "Not affected")
		}
	}
	for _, e := range []Effect{EffectUserClear, EffectIdleClear, EffectMMIOClear} {
		if got := m.EffectCount(e); got != 0 {
			t.Errorf("effect %v count = %d, want 0", e, got)
		}
	}
}

func TestCascadeLakeDefaults(t *testing.T) {
	m, _ := newTestMachine(t, mock.CascadeLake2, "", nil)
	m.SelectAll()

	if got := m.MDS(); got != MDSFull {
		t.Errorf("MDS mode = %v, want MDSFull", got)
	}
	if got := m.TAA(); got != TAAVERW {
		t.Errorf("TAA mode = %v, want TAAVERW", got)
	}
	// MDS and TAA both hold a buffer-clear reference; one active flag.
	if got := m.EffectCount(EffectUserClear); got != 2 {
		t.Errorf("userClear count = %d, want 2", got)
	}
	if !m.EffectActive(EffectUserClear) {
		t.Errorf("userClear not active")
	}

	if got := m.SpectreV1(); got != SpectreV1Auto {
		t.Errorf("Spectre v1 mode = %v, want SpectreV1Auto", got)
	}
	// No enhanced IBRS on this part, auto lands on retpolines.
	if got := m.SpectreV2(); got != SpectreV2Retpoline {
		t.Errorf("Spectre v2 mode = %v, want SpectreV2Retpoline", got)
	}
	if got := m.SSB(); got != SSBSeccomp {
		t.Errorf("SSB mode = %v, want SSBSeccomp", got)
	}
	if !m.EffectActive(EffectSSBDUserset) {
		t.Errorf("ssbdUserset not active in seccomp mode")
	}

	if got := m.Report(KindMDS).Line; got != "Mitigation: Clear CPU buffers; SMT vulnerable" {
		t.Errorf("MDS status = %q", got)
	}
	if got := m.Report(KindTAA).Line; got != "Mitigation: Clear CPU buffers; SMT vulnerable" {
		t.Errorf("TAA status = %q", got)
	}
}

func TestMitigationsOffDisablesEverything(t *testing.T) {
	m, _ := newTestMachine(t, mock.CascadeLake2, "mitigations=off", nil)
	m.SelectAll()

	if got := m.MDS(); got != MDSOff {
		t.Errorf("MDS mode = %v, want MDSOff", got)
	}
	if got := m.TAA(); got != TAAOff {
		t.Errorf("TAA mode = %v, want TAAOff", got)
	}
	if got := m.SpectreV2(); got != SpectreV2None {
		t.Errorf("Spectre v2 mode = %v, want SpectreV2None", got)
	}
	if got := m.SSB(); got != SSBNone {
		t.Errorf("SSB mode = %v, want SSBNone", got)
	}
	if got := m.EffectCount(EffectUserClear); got != 0 {
		t.Errorf("userClear count = %d, want 0", got)
	}
	if got := m.Report(KindMDS).Line; got != "Vulnerable; SMT vulnerable" {
		t.Errorf("MDS status = %q", got)
	}
}

func TestReselectionIsIdempotent(t *testing.T) {
	m, topo := newTestMachine(t, mock.CascadeLake2, "", nil)
	m.SelectAll()
	userClear := m.EffectCount(EffectUserClear)
	ssbd := m.EffectCount(EffectSSBDUserset)

	m.SelectAll()
	m.SMTUpdate()
	topo.SetActive(true)

	if got := m.EffectCount(EffectUserClear); got != userClear {
		t.Errorf("userClear count changed on reselect: %d -> %d", userClear, got)
	}
	if got := m.EffectCount(EffectSSBDUserset); got != ssbd {
		t.Errorf("ssbdUserset count changed on reselect: %d -> %d", ssbd, got)
	}
}

func TestMDSWithoutMicrocode(t *testing.T) {
	m, _ := newTestMachine(t, mock.Haswell2, "", nil)
	m.SelectAll()

	if got := m.MDS(); got != MDSVMWERV {
		t.Errorf("MDS mode = %v, want MDSVMWERV", got)
	}
	// The clear is still attempted.
	if !m.EffectActive(EffectUserClear) {
		t.Errorf("userClear not active in VMWERV mode")
	}
	want := "Vulnerable: Clear CPU buffers attempted, no microcode; SMT vulnerable"
	if got := m.Report(KindMDS).Line; got != want {
		t.Errorf("MDS status = %q, want %q", got, want)
	}
}

func TestTAACompoundOffRule(t *testing.T) {
	// Both off on the command line: TAA stays off.
	m, _ := newTestMachine(t, mock.CascadeLake2, "mds=off tsx_async_abort=off", nil)
	m.SelectAll()
	if got := m.TAA(); got != TAAOff {
		t.Errorf("TAA mode = %v, want TAAOff", got)
	}
	if got := m.EffectCount(EffectUserClear); got != 0 {
		t.Errorf("userClear count = %d, want 0", got)
	}

	// Only TAA off: MDS enables the clear, which covers TAA too, so the
	// update pass revives it.
	m, _ = newTestMachine(t, mock.CascadeLake2, "tsx_async_abort=off", nil)
	m.SelectAll()
	if got := m.TAA(); got != TAAVERW {
		t.Errorf("TAA mode = %v, want TAAVERW after update pass", got)
	}
	if got := m.EffectCount(EffectUserClear); got != 2 {
		t.Errorf("userClear count = %d, want 2", got)
	}

	// Symmetric direction: MDS off alone is revived by TAA.
	m, _ = newTestMachine(t, mock.CascadeLake2, "mds=off", nil)
	m.SelectAll()
	if got := m.MDS(); got != MDSFull {
		t.Errorf("MDS mode = %v, want MDSFull after update pass", got)
	}
}

func TestTAAMissingTSXControlMicrocode(t *testing.T) {
	// On MDS_NO parts the updated microcode announces itself through
	// TSX_CTRL. Without it the clear is attempted but unreliable.
	cpu := mock.IceLake8
	cpu.Bugs += " taa"
	cpu.Flags += " rtm"
	cpu.ArchCaps &^= cpuid.ArchCapTSXCtrl
	m, _ := newTestMachine(t, cpu, "", nil)
	m.SelectAll()

	if got := m.TAA(); got != TAAUcodeNeeded {
		t.Errorf("TAA mode = %v, want TAAUcodeNeeded", got)
	}
	if !m.EffectActive(EffectUserClear) {
		t.Errorf("userClear not active in ucode-needed mode")
	}
	want := "Vulnerable: Clear CPU buffers attempted, no microcode; SMT vulnerable"
	if got := m.Report(KindTAA).Line; got != want {
		t.Errorf("TAA status = %q, want %q", got, want)
	}
}

func TestSharedClearWithoutMicrocode(t *testing.T) {
	// Without md_clear both MDS and TAA degrade to the attempted clear,
	// and each still holds its own buffer-clear reference.
	cpu := mock.CascadeLake2
	cpu.Flags = strings.ReplaceAll(cpu.Flags, " md_clear", "")
	m, _ := newTestMachine(t, cpu, "", nil)
	m.SelectAll()

	if got := m.MDS(); got != MDSVMWERV {
		t.Errorf("MDS mode = %v, want MDSVMWERV", got)
	}
	if got := m.TAA(); got != TAAUcodeNeeded {
		t.Errorf("TAA mode = %v, want TAAUcodeNeeded", got)
	}
	if got := m.EffectCount(EffectUserClear); got != 2 {
		t.Errorf("userClear count = %d, want 2", got)
	}
	want := "Vulnerable: Clear CPU buffers attempted, no microcode; SMT vulnerable"
	for _, k := range []Kind{KindMDS, KindTAA} {
		if got := m.Report(k).Line; got != want {
			t.Errorf("%v status = %q, want %q", k, got, want)
		}
	}
}

func TestMMIOStandaloneUsesMMIOClear(t *testing.T) {
	// IceLake is MMIO-affected but neither MDS- nor TAA-affected, so the
	// clear is scoped to MMIO access instead of every user return.
	m, _ := newTestMachine(t, mock.IceLake8, "", nil)
	m.SelectAll()

	if got := m.MMIO(); got != MMIOVERW {
		t.Errorf("MMIO mode = %v, want MMIOVERW", got)
	}
	if m.EffectActive(EffectUserClear) {
		t.Errorf("userClear active without MDS/TAA exposure")
	}
	if !m.EffectActive(EffectMMIOClear) {
		t.Errorf("mmioClear not active")
	}
	// FBSDP_NO is not enumerated; fill buffers reach uncore, clear on
	// idle regardless of SMT.
	if !m.EffectActive(EffectIdleClear) {
		t.Errorf("idleClear not active without FBSDP_NO")
	}
}

func TestMMIOFoldsIntoUserClearWhenMDSAffected(t *testing.T) {
	cpu := mock.CascadeLake2
	cpu.Bugs += " mmio_stale_data"
	m, _ := newTestMachine(t, cpu, "", nil)
	m.SelectAll()

	// MDS + TAA + MMIO all share the user return clear.
	if got := m.EffectCount(EffectUserClear); got != 3 {
		t.Errorf("userClear count = %d, want 3", got)
	}
	if m.EffectActive(EffectMMIOClear) {
		t.Errorf("mmioClear active although the user clear covers MMIO")
	}
}

func TestRetbleedFollowsSpectreV2OnIntel(t *testing.T) {
	c := captureLog(t)

	// Requesting plain retpolines on a RETBleed-affected Intel part is
	// refused: selection switches to auto, lands on enhanced IBRS, and
	// RETBleed inherits it.
	m, _ := newTestMachine(t, mock.IceLake8, "spectre_v2=retpoline", nil)
	m.SelectAll()

	if got := m.SpectreV2(); got != SpectreV2EIBRS {
		t.Errorf("Spectre v2 mode = %v, want SpectreV2EIBRS", got)
	}
	if got := m.Retbleed(); got != RetbleedEIBRS {
		t.Errorf("RETBleed mode = %v, want RetbleedEIBRS", got)
	}
	if got := c.count("Switching to AUTO select"); got != 1 {
		t.Errorf("got %d switch-to-auto warnings, want 1", got)
	}
	if got := m.Report(KindRetbleed).Line; got != "Mitigation: Enhanced IBRS" {
		t.Errorf("RETBleed status = %q", got)
	}
}

func TestRetbleedResidualExposureWarning(t *testing.T) {
	c := captureLog(t)

	// Strip enhanced IBRS so auto selection falls back to retpolines,
	// which leave RETBleed open on Intel.
	cpu := mock.IceLake8
	cpu.Flags = strings.ReplaceAll(cpu.Flags, " ibrs_enhanced", "")
	m, _ := newTestMachine(t, cpu, "spectre_v2=retpoline,force", nil)
	m.SelectAll()

	if got := m.Retbleed(); got != RetbleedNone {
		t.Errorf("RETBleed mode = %v, want RetbleedNone", got)
	}
	if c.count("vulnerable to RETBleed attacks") == 0 {
		t.Errorf("missing residual exposure warning")
	}
}

func TestRetbleedIBRSVariant(t *testing.T) {
	cpu := mock.IceLake8
	cpu.Flags = strings.ReplaceAll(cpu.Flags, " ibrs_enhanced", "")
	m, _ := newTestMachine(t, cpu, "spectre_v2=ibrs", nil)
	m.SelectAll()

	if got := m.SpectreV2(); got != SpectreV2IBRS {
		t.Errorf("Spectre v2 mode = %v, want SpectreV2IBRS", got)
	}
	if got := m.Retbleed(); got != RetbleedIBRS {
		t.Errorf("RETBleed mode = %v, want RetbleedIBRS", got)
	}
}

func TestRetbleedAMDUnret(t *testing.T) {
	m, _ := newTestMachine(t, mock.AMD8, "", nil)
	m.SelectAll()

	if got := m.Retbleed(); got != RetbleedUnret {
		t.Errorf("RETBleed mode = %v, want RetbleedUnret", got)
	}
	if !m.FeatureEnabled(cpuid.FeatureRethunk) || !m.FeatureEnabled(cpuid.FeatureUnret) {
		t.Errorf("return thunk features not forced")
	}
	want := "Mitigation: untrained return thunk; SMT vulnerable"
	if got := m.Report(KindRetbleed).Line; got != want {
		t.Errorf("RETBleed status = %q, want %q", got, want)
	}
}

func TestRetbleedNoSMTIgnoresInactiveSTIBP(t *testing.T) {
	// AMD8 advertises STIBP but nothing turns it on in the speculation
	// control base, so the nosmt rider still has to disable SMT.
	m, topo := newTestMachine(t, mock.AMD8, "retbleed=auto,nosmt", nil)
	m.SelectAll()

	if got := m.Retbleed(); got != RetbleedUnret {
		t.Errorf("RETBleed mode = %v, want RetbleedUnret", got)
	}
	if topo.Active() {
		t.Errorf("SMT still active although STIBP is not enabled")
	}
}

func TestRetbleedUnretOnIntel(t *testing.T) {
	c := captureLog(t)

	cpu := mock.IceLake8
	cpu.Flags = strings.ReplaceAll(cpu.Flags, " ibrs_enhanced", "")
	m, _ := newTestMachine(t, cpu, "retbleed=unret", nil)
	m.SelectAll()

	if got := m.Retbleed(); got != RetbleedUnret {
		t.Errorf("RETBleed mode = %v, want RetbleedUnret", got)
	}
	if c.count("BTB untrained return thunk mitigation is only effective on AMD!") != 1 {
		t.Errorf("missing BTB untrain warning on a non-AMD part")
	}
	want := "Vulnerable: untrained return thunk on non-Zen uarch"
	if got := m.Report(KindRetbleed).Line; got != want {
		t.Errorf("RETBleed status = %q, want %q", got, want)
	}
}

func TestRetbleedIBPBStatusHasNoSMTQualifier(t *testing.T) {
	m, _ := newTestMachine(t, mock.AMD8, "retbleed=ibpb", nil)
	m.SelectAll()

	if got := m.Retbleed(); got != RetbleedIBPB {
		t.Errorf("RETBleed mode = %v, want RetbleedIBPB", got)
	}
	if !m.FeatureEnabled(cpuid.FeatureEntryIBPB) {
		t.Errorf("entry IBPB not forced")
	}
	// Only the thunk mode carries the SMT qualifier.
	if got := m.Report(KindRetbleed).Line; got != "Mitigation: IBPB" {
		t.Errorf("RETBleed status = %q, want %q", got, "Mitigation: IBPB")
	}
}

func TestSpectreV2EnablesIBPBAndRSBFill(t *testing.T) {
	m, _ := newTestMachine(t, mock.CascadeLake2, "", nil)
	m.SelectAll()

	if !m.FeatureEnabled(cpuid.FeatureUseIBPB) {
		t.Errorf("IBPB not enabled although hardware has it")
	}
	if !m.FeatureEnabled(cpuid.FeatureRSBCtxsw) {
		t.Errorf("RSB fill not enabled with an active mitigation")
	}
	want := "Mitigation: Full retpoline, IBPB"
	if got := m.Report(KindSpectreV2).Line; got != want {
		t.Errorf("Spectre v2 status = %q, want %q", got, want)
	}
}

func TestSpectreV2RetpolineAMDWarns(t *testing.T) {
	c := captureLog(t)

	m, _ := newTestMachine(t, mock.AMD8, "spectre_v2=retpoline,amd", nil)
	m.SelectAll()

	if got := m.SpectreV2(); got != SpectreV2RetpolineAMD {
		t.Errorf("Spectre v2 mode = %v, want SpectreV2RetpolineAMD", got)
	}
	if c.count("is not a recommended mitigation for this CPU") != 1 {
		t.Errorf("missing LFENCE/JMP warning")
	}
	want := "Vulnerable: AMD retpoline (LFENCE/JMP), IBPB"
	if got := m.Report(KindSpectreV2).Line; got != want {
		t.Errorf("Spectre v2 status = %q, want %q", got, want)
	}
}

func TestSpectreV2OffKeepsIBPBQualifier(t *testing.T) {
	// IBPB setup runs before the command check, so the vulnerable line
	// still carries the qualifier.
	m, _ := newTestMachine(t, mock.CascadeLake2, "spectre_v2=off", nil)
	m.SelectAll()

	if got := m.SpectreV2(); got != SpectreV2None {
		t.Errorf("Spectre v2 mode = %v, want SpectreV2None", got)
	}
	if got := m.Report(KindSpectreV2).Line; got != "Vulnerable, IBPB" {
		t.Errorf("Spectre v2 status = %q, want %q", got, "Vulnerable, IBPB")
	}
}

func TestSpectreV2RRSBADisable(t *testing.T) {
	bank := &msr.Bank{}
	cpu := mock.IceLake8
	cpu.ArchCaps |= cpuid.ArchCapRRSBA
	m, _ := newTestMachine(t, cpu, "", bank)
	m.SelectAll()

	val, err := bank.Read(msr.SpecCtrl)
	if err != nil {
		t.Fatalf("read SPEC_CTRL: %v", err)
	}
	if val&msr.SpecCtrlRRSBADis == 0 {
		t.Errorf("RRSBA_DIS not set with eIBRS and rrsba_ctrl, SPEC_CTRL=%#x", val)
	}
	if val&msr.SpecCtrlIBRS == 0 {
		t.Errorf("IBRS bit not set in enhanced mode, SPEC_CTRL=%#x", val)
	}
}

func TestSSBGlobalDisableWritesSpecCtrl(t *testing.T) {
	bank := &msr.Bank{}
	m, _ := newTestMachine(t, mock.CascadeLake2, "spec_store_bypass_disable=on", bank)
	m.SelectAll()

	if got := m.SSB(); got != SSBDisable {
		t.Errorf("SSB mode = %v, want SSBDisable", got)
	}
	if !m.FeatureEnabled(cpuid.FeatureSSBDisable) {
		t.Errorf("store bypass disable feature not forced")
	}
	val, _ := bank.Read(msr.SpecCtrl)
	if val&msr.SpecCtrlSSBD == 0 {
		t.Errorf("SSBD bit not set, SPEC_CTRL=%#x", val)
	}
}

func TestSSBVirtualizedAMD(t *testing.T) {
	bank := &msr.Bank{}
	m, _ := newTestMachine(t, mock.AMD8, "spec_store_bypass_disable=on", bank)
	m.SelectAll()

	if got := m.SSB(); got != SSBDisable {
		t.Errorf("SSB mode = %v, want SSBDisable", got)
	}
	val, _ := bank.Read(msr.AMD64VirtSpecCtrl)
	if val != msr.SpecCtrlSSBD {
		t.Errorf("VIRT_SPEC_CTRL = %#x, want %#x", val, uint64(msr.SpecCtrlSSBD))
	}
}

func TestSSBFailedWriteLeavesVulnerable(t *testing.T) {
	bank := &msr.Bank{}
	bank.Hook(msr.SpecCtrl, func(reg msr.Reg, old, val uint64) (uint64, error) {
		return 0, fmt.Errorf("write fault")
	})
	m, _ := newTestMachine(t, mock.CascadeLake2, "spec_store_bypass_disable=on", bank)
	m.SelectAll()

	if got := m.SSB(); got != SSBNone {
		t.Errorf("SSB mode = %v after failed write, want SSBNone", got)
	}
	if m.FeatureEnabled(cpuid.FeatureSSBDisable) {
		t.Errorf("store bypass disable feature forced despite failed write")
	}
}

func TestSpectreV1SwapgsBarriers(t *testing.T) {
	// Haswell is Meltdown-affected, so SMAP cannot be trusted and both
	// swapgs fences are needed.
	m, _ := newTestMachine(t, mock.Haswell2, "", nil)
	m.SelectAll()

	if got := m.SpectreV1(); got != SpectreV1Auto {
		t.Errorf("Spectre v1 mode = %v, want SpectreV1Auto", got)
	}
	if !m.FeatureEnabled(cpuid.FeatureFenceSwapgsKernel) {
		t.Errorf("kernel swapgs fence not forced")
	}
	if !m.FeatureEnabled(cpuid.FeatureFenceSwapgsUser) {
		t.Errorf("user swapgs fence not forced on a swapgs-affected part")
	}

	// CascadeLake has working SMAP; no fences.
	m, _ = newTestMachine(t, mock.CascadeLake2, "", nil)
	m.SelectAll()
	if m.FeatureEnabled(cpuid.FeatureFenceSwapgsKernel) {
		t.Errorf("kernel swapgs fence forced although SMAP works")
	}
}

func TestSpectreV1StatusStrings(t *testing.T) {
	m, _ := newTestMachine(t, mock.CascadeLake2, "", nil)
	m.SelectAll()
	want := "Mitigation: Load fences, usercopy/swapgs barriers and __user pointer sanitization"
	if got := m.Report(KindSpectreV1).Line; got != want {
		t.Errorf("Spectre v1 status = %q, want %q", got, want)
	}

	m, _ = newTestMachine(t, mock.CascadeLake2, "nospectre_v1", nil)
	m.SelectAll()
	want = "Vulnerable: Load fences, __user pointer sanitization and usercopy barriers only; no swapgs barriers"
	if got := m.Report(KindSpectreV1).Line; got != want {
		t.Errorf("Spectre v1 status = %q, want %q", got, want)
	}
}

func TestL1TFPTEInversion(t *testing.T) {
	m, _ := newTestMachine(t, mock.Haswell2, "", nil)
	m.SelectAll()

	if !m.FeatureEnabled(cpuid.FeatureL1TFPTEInv) {
		t.Errorf("PTE inversion not forced on an L1TF-affected part")
	}
	if got := m.Report(KindL1TF).Line; got != "Mitigation: PTE Inversion" {
		t.Errorf("L1TF status = %q", got)
	}
}

func TestL1TFTooMuchMemory(t *testing.T) {
	c := captureLog(t)

	// Haswell's cache sees 46 physical address bits, so inversion only
	// covers RAM below 2^45.
	cpu := mock.Haswell2
	cpu.MaxRAMAddress = 1 << 46
	m, _ := newTestMachine(t, cpu, "", nil)
	m.SelectAll()

	if m.FeatureEnabled(cpuid.FeatureL1TFPTEInv) {
		t.Errorf("PTE inversion forced despite MAX_PA/2 overflow")
	}
	if c.count("L1TF mitigation not effective") != 1 {
		t.Errorf("missing MAX_PA/2 warning")
	}
	if got := m.Report(KindL1TF).Line; got != "Vulnerable" {
		t.Errorf("L1TF status = %q, want Vulnerable", got)
	}
}

func TestL1TFOffStillChecksMemoryLimit(t *testing.T) {
	c := captureLog(t)

	// The half-address limit applies regardless of the VM flush choice.
	cpu := mock.Haswell2
	cpu.MaxRAMAddress = 1 << 46
	m, _ := newTestMachine(t, cpu, "l1tf=off", nil)
	m.SelectAll()

	if got := m.L1TF(); got != L1TFOff {
		t.Errorf("L1TF mode = %v, want L1TFOff", got)
	}
	if m.FeatureEnabled(cpuid.FeatureL1TFPTEInv) {
		t.Errorf("PTE inversion forced despite MAX_PA/2 overflow")
	}
	if c.count("L1TF mitigation not effective") != 1 {
		t.Errorf("missing MAX_PA/2 warning with l1tf=off")
	}

	// Within the limit, inversion applies even with the flush off.
	m, _ = newTestMachine(t, mock.Haswell2, "l1tf=off", nil)
	m.SelectAll()
	if !m.FeatureEnabled(cpuid.FeatureL1TFPTEInv) {
		t.Errorf("PTE inversion not forced with l1tf=off")
	}
}

func TestL1TFFullForceDisablesSMT(t *testing.T) {
	m, topo := newTestMachine(t, mock.Haswell2, "l1tf=full,force", nil)
	m.SelectAll()

	if topo.Active() {
		t.Errorf("SMT still active after full,force")
	}
	topo.SetActive(true)
	if topo.Active() {
		t.Errorf("forced SMT disable did not stick")
	}
}

func TestSRBDSHypervisorUnknown(t *testing.T) {
	bank := &msr.Bank{}
	m, _ := newTestMachine(t, mock.CloudGuest, "", bank)
	m.SelectAll()

	if got := m.SRBDS(); got != SRBDSHypervisor {
		t.Errorf("SRBDS mode = %v, want SRBDSHypervisor", got)
	}
	want := "Unknown: Dependent on hypervisor status"
	if got := m.Report(KindSRBDS).Line; got != want {
		t.Errorf("SRBDS status = %q, want %q", got, want)
	}
	// The control register must not be touched from inside a guest.
	if val, _ := bank.Read(msr.MCUOptCtrl); val != 0 {
		t.Errorf("MCU_OPT_CTRL written under hypervisor: %#x", val)
	}
}

func TestSRBDSMicrocodeControl(t *testing.T) {
	cpu := mock.CascadeLake2
	cpu.Flags += " srbds_ctrl"
	cpu.Bugs += " srbds"

	bank := msr.NewBank(map[msr.Reg]uint64{msr.MCUOptCtrl: msr.RNGDSMitgDis})
	m, _ := newTestMachine(t, cpu, "", bank)
	m.SelectAll()

	if got := m.SRBDS(); got != SRBDSFull {
		t.Errorf("SRBDS mode = %v, want SRBDSFull", got)
	}
	if val, _ := bank.Read(msr.MCUOptCtrl); val&msr.RNGDSMitgDis != 0 {
		t.Errorf("RNGDS_MITG_DIS still set in full mode: %#x", val)
	}

	// And the opposite direction with srbds=off.
	bank = &msr.Bank{}
	m, _ = newTestMachine(t, cpu, "srbds=off", bank)
	m.SelectAll()
	if got := m.SRBDS(); got != SRBDSOff {
		t.Errorf("SRBDS mode = %v, want SRBDSOff", got)
	}
	if val, _ := bank.Read(msr.MCUOptCtrl); val&msr.RNGDSMitgDis == 0 {
		t.Errorf("RNGDS_MITG_DIS not set in off mode: %#x", val)
	}
}

func TestGDSLockedDisableFails(t *testing.T) {
	c := captureLog(t)

	bank := msr.NewBank(map[msr.Reg]uint64{msr.MCUOptCtrl: msr.GDSMitgLocked})
	bank.Hook(msr.MCUOptCtrl, msr.GDSLockHook())
	m, _ := newTestMachine(t, mock.IceLake8, "gather_data_sampling=off", bank)
	m.SelectAll()

	if got := m.GDS(); got != GDSFullLocked {
		t.Errorf("GDS mode = %v, want GDSFullLocked", got)
	}
	if got := m.Report(KindGDS).Line; got != "Mitigation: Microcode (locked)" {
		t.Errorf("GDS status = %q", got)
	}

	// Rerunning selection must not repeat the warning.
	m.SelectAll()
	if got := c.count("Mitigation locked. Disable failed."); got != 1 {
		t.Errorf("got %d lock warnings, want 1", got)
	}
}

func TestGDSForceWithoutMicrocode(t *testing.T) {
	c := captureLog(t)

	cpu := mock.IceLake8
	cpu.ArchCaps &^= cpuid.ArchCapGDSCtrl
	m, _ := newTestMachine(t, cpu, "gather_data_sampling=force", nil)
	m.SelectAll()

	if got := m.GDS(); got != GDSForce {
		t.Errorf("GDS mode = %v, want GDSForce", got)
	}
	if m.FeatureEnabled(cpuid.FeatureAVX) {
		t.Errorf("AVX still enabled after force without microcode")
	}
	if c.count("Disabling AVX as mitigation") != 1 {
		t.Errorf("missing AVX disable warning")
	}
	if got := m.Report(KindGDS).Line; got != "Mitigation: AVX disabled, no microcode" {
		t.Errorf("GDS status = %q", got)
	}
}

func TestGDSDefaultFull(t *testing.T) {
	bank := &msr.Bank{}
	m, _ := newTestMachine(t, mock.IceLake8, "", bank)
	m.SelectAll()

	if got := m.GDS(); got != GDSFull {
		t.Errorf("GDS mode = %v, want GDSFull", got)
	}
	if val, _ := bank.Read(msr.MCUOptCtrl); val&msr.GDSMitgDis != 0 {
		t.Errorf("GDS_MITG_DIS set in full mode: %#x", val)
	}
}

func TestSMTWarningsFireOnce(t *testing.T) {
	c := captureLog(t)

	m, topo := newTestMachine(t, mock.CascadeLake2, "", nil)
	m.SelectAll()

	// Repeated updates and hotplug churn must not repeat the warnings.
	m.SMTUpdate()
	topo.SetActive(false)
	topo.SetActive(true)
	m.SMTUpdate()

	if got := c.count("MDS CPU bug present and SMT on"); got != 1 {
		t.Errorf("got %d MDS SMT warnings, want 1", got)
	}
	if got := c.count("TAA CPU bug present and SMT on"); got != 1 {
		t.Errorf("got %d TAA SMT warnings, want 1", got)
	}
}

func TestIdleClearTracksSMTOnMSBDSOnly(t *testing.T) {
	cpu := mock.CascadeLake2
	cpu.Bugs = "spectre_v1 spectre_v2 spec_store_bypass mds msbds_only swapgs"
	m, topo := newTestMachine(t, cpu, "", nil)
	m.SelectAll()

	if !m.EffectActive(EffectIdleClear) {
		t.Errorf("idleClear not active with SMT on")
	}
	topo.SetActive(false)
	if m.EffectActive(EffectIdleClear) {
		t.Errorf("idleClear still active with SMT off")
	}
	topo.SetActive(true)
	if !m.EffectActive(EffectIdleClear) {
		t.Errorf("idleClear not re-enabled with SMT back on")
	}
	// Toggling repeatedly keeps the count at exactly one reference.
	topo.SetActive(false)
	topo.SetActive(true)
	if got := m.EffectCount(EffectIdleClear); got != 1 {
		t.Errorf("idleClear count = %d, want 1", got)
	}

	want := "Mitigation: Clear CPU buffers; SMT mitigated"
	if got := m.Report(KindMDS).Line; got != want {
		t.Errorf("MDS status = %q, want %q", got, want)
	}
}

func TestMSBDSOnlySkipsSMTWarning(t *testing.T) {
	c := captureLog(t)

	cpu := mock.CascadeLake2
	cpu.Bugs = "spectre_v1 spectre_v2 mds msbds_only"
	m, _ := newTestMachine(t, cpu, "", nil)
	m.SelectAll()

	if got := c.count("MDS CPU bug present and SMT on"); got != 0 {
		t.Errorf("got %d MDS SMT warnings on MSBDS-only hardware, want 0", got)
	}
}

func TestHypervisorSMTStateUnknown(t *testing.T) {
	m, _ := newTestMachine(t, mock.CloudGuest, "", nil)
	m.SelectAll()

	want := "Mitigation: Clear CPU buffers; SMT Host state unknown"
	if got := m.Report(KindMDS).Line; got != want {
		t.Errorf("MDS status = %q, want %q", got, want)
	}
	if got := m.Report(KindTAA).Line; got != want {
		t.Errorf("TAA status = %q, want %q", got, want)
	}
}

func TestMeltdownPTI(t *testing.T) {
	m, _ := newTestMachine(t, mock.Haswell2, "", nil)
	m.SelectAll()
	if got := m.Report(KindMeltdown).Line; got != "Mitigation: PTI" {
		t.Errorf("Meltdown status = %q", got)
	}
	if !m.FeatureEnabled(cpuid.FeaturePTI) {
		t.Errorf("PTI feature not forced")
	}
}

func TestITLBMultihitReporting(t *testing.T) {
	cpu := mock.CascadeLake2
	cpu.Bugs += " itlb_multihit"
	m, _ := newTestMachine(t, cpu, "", nil)
	m.SelectAll()

	if got := m.Report(KindITLBMultihit).Line; got != "Processor vulnerable" {
		t.Errorf("iTLB multihit status = %q before KVM reports", got)
	}
	m.SetKVMMitigation(true)
	if got := m.Report(KindITLBMultihit).Line; got != "KVM: Mitigation: Split huge pages" {
		t.Errorf("iTLB multihit status = %q", got)
	}
	m.SetKVMMitigation(false)
	if got := m.Report(KindITLBMultihit).Line; got != "KVM: Vulnerable" {
		t.Errorf("iTLB multihit status = %q", got)
	}
}

func TestNoSMTRiderDisablesSMT(t *testing.T) {
	m, topo := newTestMachine(t, mock.CascadeLake2, "mds=full,nosmt", nil)
	m.SelectAll()
	if topo.Active() {
		t.Errorf("SMT still active with mds=full,nosmt")
	}
	if got := m.Report(KindMDS).Line; got != "Mitigation: Clear CPU buffers; SMT disabled" {
		t.Errorf("MDS status = %q", got)
	}
}

func TestAutoNoSMT(t *testing.T) {
	m, topo := newTestMachine(t, mock.CascadeLake2, "mitigations=auto,nosmt", nil)
	m.SelectAll()
	if topo.Active() {
		t.Errorf("SMT still active with mitigations=auto,nosmt")
	}
}

func TestKindRegistry(t *testing.T) {
	fs := mock.CascadeLake2.FeatureSet()
	if !Affected(fs, KindMDS) {
		t.Errorf("CascadeLake not MDS-affected")
	}
	if Affected(fs, KindGDS) {
		t.Errorf("CascadeLake GDS-affected")
	}
	for _, k := range AllKinds {
		if k.String() == "" {
			t.Errorf("kind %d has empty name", int(k))
		}
	}

	defer func() {
		if recover() == nil {
			t.Errorf("unknown kind did not panic")
		}
	}()
	_ = Kind(999).Bug()
}
