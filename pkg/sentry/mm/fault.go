// Copyright 2024 The gVisor Authors.
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

package mm

import (
	"time"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
)

var pageFaults = metric.MustCreateNewUint64Metric("/mm/page_faults", "Number of page faults by outcome.",
	metric.NewField("result", "resolved", "unresolved"))

// faultLog limits unresolved fault warnings, which a faulting loop would
// otherwise emit without bound.
var faultLog = log.BasicRateLimitedLogger(time.Second)

// HandleFault resolves a fault on an access of type at to addr. It returns
// true if the access may be retried, and false if it is illegal.
//
// Preconditions: No kmem lock is held.
func (ms *MemorySet) HandleFault(addr hostarch.Addr, at hostarch.AccessType) bool {
	a := ms.FindArea(addr)
	if a == nil {
		pageFaults.Increment("unresolved")
		faultLog.Warningf("token %d: %v fault at %v outside any region", ms.Token(), at, addr)
		return false
	}
	if !a.handler.pageFault(ms.k, ms.pt, addr.RoundDown(), at) {
		pageFaults.Increment("unresolved")
		faultLog.Warningf("token %d: %v fault at %v not resolved by %s region %q", ms.Token(), at, addr, a.handler.kind, a.name)
		return false
	}
	pageFaults.Increment("resolved")
	log.Debugf("token %d: resolved %v fault at %v", ms.Token(), at, addr)
	return true
}
