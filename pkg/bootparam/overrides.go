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

package bootparam

import (
	"strings"

	"specctrl.dev/specctrl/pkg/log"
)

// Mitigations is the global mitigation policy from "mitigations=".
type Mitigations int

const (
	// MitigationsAuto enables all default mitigations.
	MitigationsAuto Mitigations = iota

	// MitigationsOff disables every optional mitigation.
	MitigationsOff

	// MitigationsAutoNoSMT additionally disables SMT whenever a
	// mitigation wants it.
	MitigationsAutoNoSMT
)

// SpectreV2Cmd is the "spectre_v2=" selection.
type SpectreV2Cmd int

// Spectre v2 command line selections.
const (
	SpectreV2CmdAuto SpectreV2Cmd = iota
	SpectreV2CmdNone
	SpectreV2CmdForce
	SpectreV2CmdRetpoline
	SpectreV2CmdRetpolineAMD
	SpectreV2CmdRetpolineForce
	SpectreV2CmdRetpolineIBRSUser
	SpectreV2CmdIBRS
	SpectreV2CmdIBRSAlways
)

// String returns the command line spelling of the selection.
func (c SpectreV2Cmd) String() string {
	switch c {
	case SpectreV2CmdAuto:
		return "auto"
	case SpectreV2CmdNone:
		return "off"
	case SpectreV2CmdForce:
		return "on"
	case SpectreV2CmdRetpoline:
		return "retpoline"
	case SpectreV2CmdRetpolineAMD:
		return "retpoline,amd"
	case SpectreV2CmdRetpolineForce:
		return "retpoline,force"
	case SpectreV2CmdRetpolineIBRSUser:
		return "retpoline,ibrs_user"
	case SpectreV2CmdIBRS:
		return "ibrs"
	case SpectreV2CmdIBRSAlways:
		return "ibrs_always"
	default:
		return "unknown"
	}
}

// RetbleedCmd is the "retbleed=" selection.
type RetbleedCmd int

// RETBleed command line selections.
const (
	RetbleedCmdAuto RetbleedCmd = iota
	RetbleedCmdOff
	RetbleedCmdUnret
	RetbleedCmdIBPB
)

// SSBCmd is the "spec_store_bypass_disable=" selection.
type SSBCmd int

// Speculative store bypass command line selections.
const (
	SSBCmdAuto SSBCmd = iota
	SSBCmdNone
	SSBCmdOn
	SSBCmdPrctl
	SSBCmdSeccomp
)

// L1TFCmd is the "l1tf=" selection.
type L1TFCmd int

// L1TF command line selections.
const (
	L1TFCmdDefault L1TFCmd = iota
	L1TFCmdOff
	L1TFCmdFlush
	L1TFCmdFlushNowarn
	L1TFCmdFlushNoSMT
	L1TFCmdFull
	L1TFCmdFullForce
)

// VERWCmd is the shared shape of the "mds=", "tsx_async_abort=" and
// "mmio_stale_data=" selections: default (full), off, or full with an
// SMT disable rider.
type VERWCmd int

// VERW-family command line selections.
const (
	VERWCmdDefault VERWCmd = iota
	VERWCmdOff
	VERWCmdFull
)

// GDSCmd is the "gather_data_sampling=" selection.
type GDSCmd int

// GDS command line selections.
const (
	GDSCmdDefault GDSCmd = iota
	GDSCmdOff
	GDSCmdForce
)

// Overrides is the full set of typed administrator directives, captured
// once before selection and immutable afterward.
type Overrides struct {
	Mitigations Mitigations

	SpectreV1Off bool

	SpectreV2 SpectreV2Cmd

	Retbleed      RetbleedCmd
	RetbleedNoSMT bool

	SSB SSBCmd

	L1TF L1TFCmd

	MDS      VERWCmd
	MDSNoSMT bool

	TAA      VERWCmd
	TAANoSMT bool

	MMIO      VERWCmd
	MMIONoSMT bool

	SRBDSOff bool

	GDS GDSCmd
}

// AutoNoSMT returns true when mitigations may disable SMT on their own.
func (o *Overrides) AutoNoSMT() bool {
	return o.Mitigations == MitigationsAutoNoSMT
}

// Off returns true when all optional mitigations are globally disabled.
func (o *Overrides) Off() bool {
	return o.Mitigations == MitigationsOff
}

// The declarative option tables. One entry per accepted token; anything
// else falls back to the automatic policy with one warning.
var (
	mitigationsOptions = map[string]Mitigations{
		"auto":       MitigationsAuto,
		"off":        MitigationsOff,
		"auto,nosmt": MitigationsAutoNoSMT,
	}

	spectreV2Options = map[string]SpectreV2Cmd{
		"off":                 SpectreV2CmdNone,
		"on":                  SpectreV2CmdForce,
		"retpoline":           SpectreV2CmdRetpoline,
		"retpoline,amd":       SpectreV2CmdRetpolineAMD,
		"retpoline,force":     SpectreV2CmdRetpolineForce,
		"retpoline,ibrs_user": SpectreV2CmdRetpolineIBRSUser,
		"ibrs":                SpectreV2CmdIBRS,
		"ibrs_always":         SpectreV2CmdIBRSAlways,
		"auto":                SpectreV2CmdAuto,
	}

	ssbOptions = map[string]SSBCmd{
		"auto":    SSBCmdAuto,
		"on":      SSBCmdOn,
		"off":     SSBCmdNone,
		"prctl":   SSBCmdPrctl,
		"seccomp": SSBCmdSeccomp,
	}

	l1tfOptions = map[string]L1TFCmd{
		"off":          L1TFCmdOff,
		"flush":        L1TFCmdFlush,
		"flush,nowarn": L1TFCmdFlushNowarn,
		"flush,nosmt":  L1TFCmdFlushNoSMT,
		"full":         L1TFCmdFull,
		"full,force":   L1TFCmdFullForce,
	}

	gdsOptions = map[string]GDSCmd{
		"off":   GDSCmdOff,
		"force": GDSCmdForce,
	}
)

// ResolveOverrides resolves a lexed command line into typed overrides.
func ResolveOverrides(l Line) *Overrides {
	o := &Overrides{}

	if v, ok := l.Get("mitigations"); ok {
		if m, ok := mitigationsOptions[v]; ok {
			o.Mitigations = m
		} else {
			warnUnknown("mitigations", v)
		}
	}

	o.SpectreV1Off = l.Flag("nospectre_v1")

	if l.Flag("nospectre_v2") {
		o.SpectreV2 = SpectreV2CmdNone
	} else if v, ok := l.Get("spectre_v2"); ok {
		if cmd, ok := spectreV2Options[v]; ok {
			o.SpectreV2 = cmd
		} else {
			warnUnknown("spectre_v2", v)
		}
	}

	if v, ok := l.Get("retbleed"); ok {
		o.Retbleed, o.RetbleedNoSMT = resolveRetbleed(v)
	}

	if l.Flag("nospec_store_bypass_disable") {
		o.SSB = SSBCmdNone
	} else if v, ok := l.Get("spec_store_bypass_disable"); ok {
		if cmd, ok := ssbOptions[v]; ok {
			o.SSB = cmd
		} else {
			warnUnknown("spec_store_bypass_disable", v)
		}
	}

	if v, ok := l.Get("l1tf"); ok {
		if cmd, ok := l1tfOptions[v]; ok {
			o.L1TF = cmd
		} else {
			warnUnknown("l1tf", v)
		}
	}

	o.MDS, o.MDSNoSMT = resolveVERW("mds", l)
	o.TAA, o.TAANoSMT = resolveVERW("tsx_async_abort", l)
	o.MMIO, o.MMIONoSMT = resolveVERW("mmio_stale_data", l)

	if v, ok := l.Get("srbds"); ok {
		o.SRBDSOff = v == "off"
	}

	if v, ok := l.Get("gather_data_sampling"); ok {
		if cmd, ok := gdsOptions[v]; ok {
			o.GDS = cmd
		} else {
			warnUnknown("gather_data_sampling", v)
		}
	}

	return o
}

// resolveRetbleed handles the comma-separated retbleed= value, where
// "nosmt" may ride along with the mode.
func resolveRetbleed(val string) (RetbleedCmd, bool) {
	cmd, nosmt := RetbleedCmdAuto, false
	for _, tok := range strings.Split(val, ",") {
		switch tok {
		case "off":
			cmd = RetbleedCmdOff
		case "auto":
			cmd = RetbleedCmdAuto
		case "unret":
			cmd = RetbleedCmdUnret
		case "ibpb":
			cmd = RetbleedCmdIBPB
		case "nosmt":
			nosmt = true
		case "":
		default:
			warnUnknown("retbleed", tok)
		}
	}
	return cmd, nosmt
}

// resolveVERW handles the shared off/full/full,nosmt shape of the
// VERW-family options.
func resolveVERW(key string, l Line) (VERWCmd, bool) {
	v, ok := l.Get(key)
	if !ok {
		return VERWCmdDefault, false
	}
	switch v {
	case "off":
		return VERWCmdOff, false
	case "full":
		return VERWCmdFull, false
	case "full,nosmt":
		return VERWCmdFull, true
	default:
		warnUnknown(key, v)
		return VERWCmdDefault, false
	}
}

func warnUnknown(key, val string) {
	log.Warningf("%s: unknown option (%s). Switching to AUTO select", key, val)
}
