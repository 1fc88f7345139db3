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

package arch

import (
	"testing"

	"gvisor.dev/lazyvm/pkg/hostarch"
)

func TestDefaultLayoutValid(t *testing.T) {
	if err := DefaultLayout().Validate(); err != nil {
		t.Fatalf("DefaultLayout().Validate() = %v", err)
	}
}

func TestLayoutValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Layout)
	}{
		{"null page", func(l *Layout) { l.MinAddr = 0 }},
		{"unaligned top", func(l *Layout) { l.StackTop += 8 }},
		{"stack above user", func(l *Layout) { l.StackTop = l.MaxAddr + hostarch.PageSize }},
		{"zero stack", func(l *Layout) { l.MaxStackSize = 0 }},
		{"unaligned stack", func(l *Layout) { l.MaxStackSize = 100 }},
		{"stack below user", func(l *Layout) { l.StackTop = 2 * hostarch.PageSize }},
		{"zero word", func(l *Layout) { l.WordSize = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := DefaultLayout()
			tc.modify(&l)
			if err := l.Validate(); err == nil {
				t.Errorf("Validate() succeeded for %+v", l)
			}
		})
	}
}

func TestAddressClasses(t *testing.T) {
	l := DefaultLayout()
	for _, tc := range []struct {
		addr   hostarch.Addr
		user   bool
		kernel bool
	}{
		{0, false, false},
		{hostarch.PageSize - 1, false, false},
		{hostarch.PageSize, true, false},
		{DefaultStackTop, true, false},
		{DefaultKernelBase - 1, true, false},
		{DefaultKernelBase, false, true},
	} {
		if got := l.IsUserAddr(tc.addr); got != tc.user {
			t.Errorf("IsUserAddr(%v) = %t, want %t", tc.addr, got, tc.user)
		}
		if got := l.IsKernelAddr(tc.addr); got != tc.kernel {
			t.Errorf("IsKernelAddr(%v) = %t, want %t", tc.addr, got, tc.kernel)
		}
	}
}

func TestIsStackAccess(t *testing.T) {
	l := DefaultLayout()
	top := l.StackTop
	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		sp   hostarch.Addr
		want bool
	}{
		{"just below top", top - 4, top, true},
		{"push", top - 8, top, true},
		{"below push", top - 9, top, false},
		{"above sp", top - 16, top - 32, true},
		{"limit", l.StackBottom(), l.StackBottom(), true},
		{"past limit", l.StackBottom() - 8, l.StackBottom(), false},
		{"at top", top, top, false},
		{"above top", top + hostarch.PageSize, top, false},
		{"far below sp", top - 3*hostarch.PageSize, top, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := l.IsStackAccess(tc.addr, tc.sp); got != tc.want {
				t.Errorf("IsStackAccess(%v, %v) = %t, want %t", tc.addr, tc.sp, got, tc.want)
			}
		})
	}
}
