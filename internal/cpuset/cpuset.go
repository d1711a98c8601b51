// Package cpuset implements the CPU range algebra used to partition the
// machine between the measured deadline threads and everything else.
// Sets are kept as sorted, non-overlapping, non-adjacent inclusive ranges
// and serialize to the canonical "0,3-5,7" cpuset list form.
package cpuset

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange = errors.New("invalid CPU range")
	ErrOutOfBounds  = errors.New("CPU out of bounds")
)

// Range is an inclusive span of CPU IDs.
type Range struct {
	Start int
	End   int
}

func (r Range) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Set is an ordered list of ranges. Ranges are sorted ascending by Start
// and any two consecutive ranges are separated by at least one excluded
// CPU; Merge maintains the invariant.
type Set struct {
	ranges []Range
}

// Single returns a set holding exactly one CPU.
func Single(cpu int) *Set {
	s := &Set{}
	s.Merge(cpu, cpu)
	return s
}

// Parse builds a Set from a comma-separated list of "N" or "N-M" tokens.
func Parse(spec string) (*Set, error) {
	set := &Set{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		start, end := part, part
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			start, end = part[:idx], part[idx+1:]
		}

		first, err := strconv.Atoi(start)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
		last, err := strconv.Atoi(end)
		if err != nil || last < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
		if last < first {
			return nil, fmt.Errorf("%w: %q: end before start", ErrInvalidRange, part)
		}

		set.Merge(first, last)
	}
	return set, nil
}

// Merge inserts [start, end] into the set, coalescing with any ranges it
// overlaps or touches. A single insertion may bridge several existing
// ranges.
func (s *Set) Merge(start, end int) {
	// First range whose end is not left of the new range (adjacency counts).
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End+1 >= start
	})

	if i == len(s.ranges) || end < s.ranges[i].Start-1 {
		// No overlap, splice in place.
		s.ranges = append(s.ranges, Range{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = Range{Start: start, End: end}
		return
	}

	// Absorb every range the new one touches.
	j := i
	for j < len(s.ranges) && s.ranges[j].Start <= end+1 {
		j++
	}
	merged := Range{Start: min(start, s.ranges[i].Start), End: max(end, s.ranges[j-1].End)}
	s.ranges = append(s.ranges[:i], append([]Range{merged}, s.ranges[j:]...)...)
}

// Count returns the number of CPUs in the set. It fails when any range
// reaches past the machine's CPU count.
func (s *Set) Count(cpuCount int) (int, error) {
	total := 0
	for _, r := range s.ranges {
		total += r.End - r.Start + 1
		if r.End >= cpuCount {
			return 0, fmt.Errorf("%w: %s exceeds %d CPUs", ErrOutOfBounds, r, cpuCount)
		}
	}
	return total, nil
}

// Complement returns the CPUs in [0, cpuCount) not covered by the set.
func (s *Set) Complement(cpuCount int) *Set {
	out := &Set{}
	next := 0
	for _, r := range s.ranges {
		if r.Start >= cpuCount {
			break
		}
		if r.Start > next {
			out.Merge(next, r.Start-1)
		}
		if r.End+1 > next {
			next = r.End + 1
		}
	}
	if next < cpuCount {
		out.Merge(next, cpuCount-1)
	}
	return out
}

// Covers reports whether the set contains every CPU in [0, cpuCount).
func (s *Set) Covers(cpuCount int) bool {
	n, err := s.Count(cpuCount)
	return err == nil && n == cpuCount
}

// Empty reports whether the set holds no CPUs.
func (s *Set) Empty() bool {
	return len(s.ranges) == 0
}

// Ranges returns a copy of the underlying ranges.
func (s *Set) Ranges() []Range {
	return append([]Range(nil), s.ranges...)
}

// String renders the canonical comma-joined form.
func (s *Set) String() string {
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}
