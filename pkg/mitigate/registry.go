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

	"specctrl.dev/specctrl/pkg/cpuid"
)

// Kind identifies one tracked vulnerability class.
type Kind int

// Tracked vulnerability kinds, in boot selection order.
const (
	KindSpectreV1 Kind = iota
	KindSpectreV2
	KindRetbleed
	KindSSB
	KindL1TF
	KindMDS
	KindTAA
	KindMMIOStaleData
	KindSRBDS
	KindGDS
	KindMeltdown
	KindITLBMultihit
	numKinds
)

// AllKinds lists every tracked kind in boot selection order.
var AllKinds = [numKinds]Kind{
	KindSpectreV1,
	KindSpectreV2,
	KindRetbleed,
	KindSSB,
	KindL1TF,
	KindMDS,
	KindTAA,
	KindMMIOStaleData,
	KindSRBDS,
	KindGDS,
	KindMeltdown,
	KindITLBMultihit,
}

// String returns the display name used in log prefixes and reports.
func (k Kind) String() string {
	switch k {
	case KindSpectreV1:
		return "spectre_v1"
	case KindSpectreV2:
		return "spectre_v2"
	case KindRetbleed:
		return "retbleed"
	case KindSSB:
		return "spec_store_bypass"
	case KindL1TF:
		return "l1tf"
	case KindMDS:
		return "mds"
	case KindTAA:
		return "tsx_async_abort"
	case KindMMIOStaleData:
		return "mmio_stale_data"
	case KindSRBDS:
		return "srbds"
	case KindGDS:
		return "gather_data_sampling"
	case KindMeltdown:
		return "meltdown"
	case KindITLBMultihit:
		return "itlb_multihit"
	default:
		panic(fmt.Sprintf("unknown kind %d", int(k)))
	}
}

// Bug maps the kind to its detection snapshot bug. Unknown kinds are a
// programming error.
func (k Kind) Bug() cpuid.Bug {
	switch k {
	case KindSpectreV1:
		return cpuid.BugSpectreV1
	case KindSpectreV2:
		return cpuid.BugSpectreV2
	case KindRetbleed:
		return cpuid.BugRETBleed
	case KindSSB:
		return cpuid.BugSpecStoreBypass
	case KindL1TF:
		return cpuid.BugL1TF
	case KindMDS:
		return cpuid.BugMDS
	case KindTAA:
		return cpuid.BugTAA
	case KindMMIOStaleData:
		return cpuid.BugMMIOStaleData
	case KindSRBDS:
		return cpuid.BugSRBDS
	case KindGDS:
		return cpuid.BugGDS
	case KindMeltdown:
		return cpuid.BugMeltdown
	case KindITLBMultihit:
		return cpuid.BugITLBMultihit
	default:
		panic(fmt.Sprintf("unknown kind %d", int(k)))
	}
}

// Affected reports whether the snapshot carries the kind's bug.
func Affected(fs *cpuid.FeatureSet, k Kind) bool {
	return fs.HasBug(k.Bug())
}
