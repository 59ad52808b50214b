package broker

import (
	"fmt"
	"sync"
)

// FreeList allocates small integer ids, reusing the most recently freed id first.
type FreeList struct {
	mu   sync.Mutex
	free []int
	next int
}

// Peek returns the id the next Alloc would return, without reserving it.
func (f *FreeList) Peek() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.free); n > 0 {
		return f.free[n-1]
	}
	return f.next
}

func (f *FreeList) Alloc() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.free); n > 0 {
		id := f.free[n-1]
		f.free = f.free[:n-1]
		return id
	}
	id := f.next
	f.next++
	return id
}

// Free returns id to the list. Freeing an id that is not allocated is an error.
func (f *FreeList) Free(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 0 || id >= f.next {
		return fmt.Errorf("freeing id %d that was never allocated", id)
	}
	for _, free := range f.free {
		if free == id {
			return fmt.Errorf("id %d is already free", id)
		}
	}
	f.free = append(f.free, id)
	return nil
}
