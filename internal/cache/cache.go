// Package cache keeps recently downloaded archives in memory. Published
// archive keys embed the content digest, so a cached entry never goes stale;
// entries leave the cache only through eviction or an explicit delete.
package cache

// Stats contains statistics about cache usage
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Size      int64 `json:"size"`
	MaxSize   int64 `json:"max_size"`
	ItemCount int64 `json:"item_count"`
	Evictions int64 `json:"evictions"`
}

// HitRate calculates the cache hit rate as a percentage
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// UsagePercent calculates how full the cache is as a percentage
func (s Stats) UsagePercent() float64 {
	if s.MaxSize == 0 {
		return 0
	}
	return float64(s.Size) / float64(s.MaxSize) * 100
}

// entry is one cached archive
type entry struct {
	key  string
	data []byte
}
