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

package hostarch

import (
	"testing"
)

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		down, up Addr
		aligned  bool
	}{
		{0, 0, 0, true},
		{1, 0, PageSize, false},
		{PageSize - 1, 0, PageSize, false},
		{PageSize, PageSize, PageSize, true},
		{0x47480000 - 4, 0x47480000 - PageSize, 0x47480000, false},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		up, ok := test.addr.RoundUp()
		if !ok || up != test.up {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, true)", test.addr, up, ok, test.up)
		}
		if got := test.addr.IsPageAligned(); got != test.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", test.addr, got, test.aligned)
		}
	}
}

func TestRoundUpWraps(t *testing.T) {
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
}

func TestToRange(t *testing.T) {
	ar, ok := Addr(PageSize).ToRange(3 * PageSize)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if got, want := ar.NumPages(), uint64(3); got != want {
		t.Errorf("NumPages() = %d, want %d", got, want)
	}
	if !ar.Contains(3*PageSize) || ar.Contains(4*PageSize) {
		t.Errorf("%v has wrong bounds", ar)
	}
	if !ar.Overlaps(AddrRange{3 * PageSize, 5 * PageSize}) {
		t.Errorf("%v should overlap [3p, 5p)", ar)
	}
	if ar.Overlaps(AddrRange{4 * PageSize, 5 * PageSize}) {
		t.Errorf("%v should not overlap [4p, 5p)", ar)
	}
	if _, ok := (^Addr(0)).ToRange(2); ok {
		t.Errorf("ToRange past the end of the address space should fail")
	}
}

func TestAccessType(t *testing.T) {
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("ReadWrite.String() = %q, want %q", got, want)
	}
	if !ReadWrite.SupersetOf(Read) {
		t.Errorf("rw- should be a superset of r--")
	}
	if Read.SupersetOf(Write) {
		t.Errorf("r-- should not be a superset of -w-")
	}
	if got := AnyAccess.Intersect(Write); got != Write {
		t.Errorf("rwx & -w- = %v, want -w-", got)
	}
}

func TestPageRound(t *testing.T) {
	if got := PageRoundDown(uint64(PageSize + 10)); got != PageSize {
		t.Errorf("PageRoundDown = %d, want %d", got, PageSize)
	}
	if got, ok := PageRoundUp(int64(10)); !ok || got != PageSize {
		t.Errorf("PageRoundUp = (%d, %t), want (%d, true)", got, ok, PageSize)
	}
}
