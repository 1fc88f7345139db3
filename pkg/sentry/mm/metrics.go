// Copyright 2026 The gVisor Authors.
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

	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/metric"
)

var (
	pageFaults     = metric.MustCreateNewUint64Metric("mm_page_faults", "Number of page faults handled, successfully or not.")
	faultsRejected = metric.MustCreateNewUint64Metric("mm_page_faults_rejected", "Number of page faults that could not be satisfied.")
	stackGrowths   = metric.MustCreateNewUint64Metric("mm_stack_growths", "Number of stack pages added by automatic stack growth.")
	claims         = metric.MustCreateNewUint64Metric("mm_claims", "Number of pages bound to a frame.")
	evictions      = metric.MustCreateNewUint64Metric("mm_evictions", "Number of pages evicted from their frame.")
	writebacks     = metric.MustCreateNewUint64Metric("mm_writebacks", "Number of dirty file pages written back.")
	swapIns        = metric.MustCreateNewUint64Metric("mm_swap_ins", "Number of anonymous pages read back from swap.")
	swapOuts       = metric.MustCreateNewUint64Metric("mm_swap_outs", "Number of anonymous pages written to swap.")
	mmaps          = metric.MustCreateNewUint64Metric("mm_mmaps", "Number of successful mmap calls.")
	munmaps        = metric.MustCreateNewUint64Metric("mm_munmaps", "Number of successful munmap calls.")
	forks          = metric.MustCreateNewUint64Metric("mm_forks", "Number of address spaces duplicated.")
	framesInUse    = metric.MustCreateNewUint64Gauge("mm_frames_in_use", "Number of frames bound to pages.")
)

// writebackLogger throttles write-back failure warnings.
var writebackLogger = log.SubsystemLogger("writeback", time.Second)
