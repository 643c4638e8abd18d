package engerr

import "sync"

// Stats tracks error counts per category with a bounded recent window.
// Safe for concurrent use; every instance goroutine records into the
// engine-wide tracker.
type Stats struct {
	mu         sync.Mutex
	total      int
	byCategory map[Category]int
	recent     []Category
	maxRecent  int
}

// NewStats creates a tracker keeping the last maxRecent categories.
func NewStats(maxRecent int) *Stats {
	if maxRecent <= 0 {
		maxRecent = 50
	}
	return &Stats{
		byCategory: make(map[Category]int),
		recent:     make([]Category, 0, maxRecent),
		maxRecent:  maxRecent,
	}
}

// Record counts err. Uncategorized errors are classified first.
func (s *Stats) Record(err error) {
	if err == nil {
		return
	}
	cat := CategoryOf(err)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.byCategory[cat]++
	s.recent = append(s.recent, cat)
	if len(s.recent) > s.maxRecent {
		s.recent = s.recent[1:]
	}
}

// Total returns the number of recorded errors.
func (s *Stats) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Count returns how many errors of cat have been recorded.
func (s *Stats) Count(cat Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byCategory[cat]
}

// Rate returns the share of recorded errors belonging to cat.
func (s *Stats) Rate(cat Category) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 0.0
	}
	return float64(s.byCategory[cat]) / float64(s.total)
}

// RecentAtLeast reports whether at least count errors of cat sit in the
// recent window.
func (s *Stats) RecentAtLeast(cat Category, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.recent {
		if c == cat {
			n++
		}
	}
	return n >= count
}
