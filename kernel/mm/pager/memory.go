package pager

import (
	"context"
	"sync"
	"time"

	"vmfault/kernel/mm"
	"vmfault/kernel/mm/vmm"
)

// MemoryStore is a Pager that keeps page contents in memory. Failures and
// latency can be injected per location.
type MemoryStore struct {
	mu       sync.Mutex
	pages    map[vmm.Location][]byte
	failures map[vmm.Location][]Kind
	latency  time.Duration

	reads, writes int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:    make(map[vmm.Location][]byte),
		failures: make(map[vmm.Location][]Kind),
	}
}

// Put stores a copy of data (truncated or zero-padded to a page) at loc.
func (s *MemoryStore) Put(loc vmm.Location, data []byte) {
	page := make([]byte, mm.PageSize)
	copy(page, data)

	s.mu.Lock()
	s.pages[loc] = page
	s.mu.Unlock()
}

// Get returns a copy of the page stored at loc.
func (s *MemoryStore) Get(loc vmm.Location) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[loc]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), page...), true
}

// FailNext queues failures for the next transfers touching loc. Each queued
// kind fails exactly one transfer.
func (s *MemoryStore) FailNext(loc vmm.Location, kinds ...Kind) {
	s.mu.Lock()
	s.failures[loc] = append(s.failures[loc], kinds...)
	s.mu.Unlock()
}

// SetLatency makes every transfer sleep for d.
func (s *MemoryStore) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Reads returns the number of ReadPage calls.
func (s *MemoryStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Writes returns the number of WritePage calls.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// ReadPage implements Pager.
func (s *MemoryStore) ReadPage(ctx context.Context, loc vmm.Location, frame []byte) error {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()

	if err := s.transfer(ctx, "read", loc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[loc]
	if !ok {
		return &IOError{Kind: Permanent, Op: "read", Loc: loc, Err: ErrPageNotFound}
	}
	copy(frame, page)
	return nil
}

// WritePage implements Pager.
func (s *MemoryStore) WritePage(ctx context.Context, loc vmm.Location, frame []byte) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()

	if err := s.transfer(ctx, "write", loc); err != nil {
		return err
	}

	s.Put(loc, frame)
	return nil
}

// transfer applies the configured latency and pops an injected failure.
func (s *MemoryStore) transfer(ctx context.Context, op string, loc vmm.Location) error {
	s.mu.Lock()
	latency := s.latency
	var (
		fail bool
		kind Kind
	)
	if queued := s.failures[loc]; len(queued) > 0 {
		fail, kind = true, queued[0]
		s.failures[loc] = queued[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return &IOError{Kind: Transient, Op: op, Loc: loc, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	if fail {
		return &IOError{Kind: kind, Op: op, Loc: loc, Err: errInjected}
	}
	return nil
}
