package assetproxy

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector tracks sizes of the blobs this process stored.
type statsCollector struct {
	totalStored atomic.Uint64
	totalBytes  atomic.Uint64
	minBytes    atomic.Uint64
	maxBytes    atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(size int) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)

	s.totalStored.Add(1)
	s.totalBytes.Add(n)

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Stored     uint64
	TotalBytes uint64
	MinBytes   uint64
	MaxBytes   uint64
	AvgBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalStored.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalBytes.Load()
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Stored:     count,
		TotalBytes: total,
		MinBytes:   minv,
		MaxBytes:   s.maxBytes.Load(),
		AvgBytes:   total / count,
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
