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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanOrder(t *testing.T) {
	var order []string
	cu := Make(func() { order = append(order, "frame") })
	cu.Add(func() { order = append(order, "link") })
	cu.Add(func() { order = append(order, "mapping") })
	cu.Clean()

	want := []string{"mapping", "link", "frame"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}

	// A second Clean is a no-op.
	cu.Clean()
	if len(order) != len(want) {
		t.Errorf("second Clean ran cleaners again: %v", order)
	}
}

func TestRelease(t *testing.T) {
	called := 0
	cu := Make(func() { called++ })
	cu.Add(func() { called++ })
	cleaner := cu.Release()

	cu.Clean()
	if called != 0 {
		t.Fatalf("cleanup ran %d functions after Release", called)
	}

	cleaner()
	if called != 2 {
		t.Fatalf("released cleaner ran %d functions, want 2", called)
	}
}

func TestZeroValue(t *testing.T) {
	var cu Cleanup
	called := false
	cu.Add(func() { called = true })
	cu.Clean()
	if !called {
		t.Errorf("cleanup added to the zero value was not called")
	}
}
