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
	"fmt"
	"sync"

	"gvisor.dev/lazyvm/pkg/errors/linuxerr"
	"gvisor.dev/lazyvm/pkg/hostarch"
)

// SwapStore holds the content of evicted anonymous pages.
type SwapStore interface {
	// Store saves one page of content and returns the slot holding it. It
	// returns ENOSPC if the store is full.
	Store(src []byte) (int, error)

	// Load copies the content of slot into dst. The slot stays allocated.
	Load(slot int, dst []byte) error

	// Free releases slot.
	Free(slot int)
}

// memorySwap is a SwapStore of a fixed number of slots kept in memory.
type memorySwap struct {
	mu    sync.Mutex
	slots [][]byte
	free  []int
}

// NewMemorySwap returns a SwapStore of n page slots.
func NewMemorySwap(n int) SwapStore {
	s := &memorySwap{slots: make([][]byte, n)}
	for i := n - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}
	return s
}

// Store implements SwapStore.Store.
func (s *memorySwap) Store(src []byte) (int, error) {
	if len(src) != hostarch.PageSize {
		return 0, linuxerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return 0, linuxerr.ENOSPC
	}
	slot := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.slots[slot] = append([]byte(nil), src...)
	return slot, nil
}

// Load implements SwapStore.Load.
func (s *memorySwap) Load(slot int, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.slots) || s.slots[slot] == nil {
		return fmt.Errorf("swap slot %d is not in use: %w", slot, linuxerr.EINVAL)
	}
	copy(dst, s.slots[slot])
	return nil
}

// Free implements SwapStore.Free.
func (s *memorySwap) Free(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.slots) || s.slots[slot] == nil {
		panic(fmt.Sprintf("freeing swap slot %d which is not in use", slot))
	}
	s.slots[slot] = nil
	s.free = append(s.free, slot)
}
