package memory

import (
	"context"
	"sync"
	"time"

	"github.com/RezaEskandarii/tubefire/types"
)

type ProxyStore struct {
	mu      sync.Mutex
	proxies []types.Proxy
	nextID  int64
}

func NewProxyStore() *ProxyStore {
	return &ProxyStore{}
}

func (s *ProxyStore) LeaseLeastRecentlyUsed(_ context.Context, freshSince, now time.Time) (*types.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pick := -1
	for i, p := range s.proxies {
		if p.CreatedAt.Before(freshSince) {
			continue
		}
		if pick < 0 || olderUse(p, s.proxies[pick]) {
			pick = i
		}
	}
	if pick < 0 {
		return nil, nil
	}
	used := now
	s.proxies[pick].LastUsedAt = &used
	p := s.proxies[pick]
	return &p, nil
}

// olderUse orders never-used entries first, then by last use, then by id.
func olderUse(a, b types.Proxy) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.ID < b.ID
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	case a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.ID < b.ID
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

func (s *ProxyStore) AddMissing(_ context.Context, proxies []types.Proxy, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, p := range proxies {
		if s.knownLocked(p) {
			continue
		}
		s.nextID++
		s.proxies = append(s.proxies, types.Proxy{ID: s.nextID, Address: p.Address, Port: p.Port, CreatedAt: now})
		added++
	}
	return added, nil
}

func (s *ProxyStore) knownLocked(p types.Proxy) bool {
	for _, existing := range s.proxies {
		if existing.Address == p.Address && existing.Port == p.Port {
			return true
		}
	}
	return false
}

func (s *ProxyStore) PurgeOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.proxies[:0]
	var n int64
	for _, p := range s.proxies {
		if p.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	s.proxies = kept
	return n, nil
}

func (s *ProxyStore) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.proxies {
		if p.ID == id {
			s.proxies = append(s.proxies[:i], s.proxies[i+1:]...)
			return nil
		}
	}
	return nil
}

// All returns a snapshot of the pool.
func (s *ProxyStore) All() []types.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Proxy(nil), s.proxies...)
}
