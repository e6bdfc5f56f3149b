// Package negotiation picks a video format for a streaming session by
// running the host's default priority-ordered candidate list through a
// sequence of removal/deprioritization rules driven by decoder
// availability probes, HDR/4:4:4 preferences, and the host's own
// capability mask.
package negotiation

import "github.com/streamdeck/core/models"

// DefaultCandidates is the priority-ordered list of video formats
// considered at session start, highest priority first.
func DefaultCandidates() []models.CodecFlag {
	return []models.CodecFlag{
		models.CodecAV1High10444,
		models.CodecAV1Main10,
		models.CodecHEVC444Main10,
		models.CodecHEVCMain10,
		models.CodecAV1High8444,
		models.CodecAV1Main8,
		models.CodecHEVC444,
		models.CodecHEVC,
		models.CodecH264High444,
		models.CodecH264,
	}
}

const (
	mask10Bit  = models.CodecHEVCMain10 | models.CodecHEVC444Main10 | models.CodecAV1Main10 | models.CodecAV1High10444
	mask444    = models.CodecH264High444 | models.CodecHEVC444 | models.CodecHEVC444Main10 | models.CodecAV1High8444 | models.CodecAV1High10444
	maskHEVC   = models.CodecHEVC | models.CodecHEVCMain10 | models.CodecHEVC444 | models.CodecHEVC444Main10
	maskAV1    = models.CodecAV1Main8 | models.CodecAV1Main10 | models.CodecAV1High8444 | models.CodecAV1High10444
	mask10BitHEVC = models.CodecHEVCMain10 | models.CodecHEVC444Main10
	mask10BitAV1  = models.CodecAV1Main10 | models.CodecAV1High10444
)

// CandidateList is a priority-ordered, mutable list of candidate video
// formats. Remove and Deprioritize are the only two mutations the
// negotiation rules apply; both preserve intra-group relative order.
type CandidateList struct {
	items []models.CodecFlag
}

// NewCandidateList wraps items (highest priority first) as a CandidateList.
func NewCandidateList(items []models.CodecFlag) *CandidateList {
	out := make([]models.CodecFlag, len(items))
	copy(out, items)
	return &CandidateList{items: out}
}

// Items returns the candidates in current priority order.
func (l *CandidateList) Items() []models.CodecFlag {
	out := make([]models.CodecFlag, len(l.items))
	copy(out, l.items)
	return out
}

// First returns the highest-priority remaining candidate.
func (l *CandidateList) First() (models.CodecFlag, bool) {
	if len(l.items) == 0 {
		return 0, false
	}
	return l.items[0], true
}

// Empty reports whether every candidate has been removed.
func (l *CandidateList) Empty() bool {
	return len(l.items) == 0
}

// Remove strikes every candidate matching mask (candidate&mask != 0).
// Remove(A) then Remove(B) equals Remove(A|B) applied once.
func (l *CandidateList) Remove(mask models.CodecFlag) {
	if mask == 0 {
		return
	}
	out := l.items[:0:0]
	for _, c := range l.items {
		if c&mask != 0 {
			continue
		}
		out = append(out, c)
	}
	l.items = out
}

// Deprioritize moves every candidate matching mask to the end of the
// list, preserving the relative order of both the moved group and the
// group left behind. Applying it twice is a no-op beyond the first
// application (§8 idempotence).
func (l *CandidateList) Deprioritize(mask models.CodecFlag) {
	if mask == 0 {
		return
	}
	kept := l.items[:0:0]
	moved := make([]models.CodecFlag, 0, len(l.items))
	for _, c := range l.items {
		if c&mask != 0 {
			moved = append(moved, c)
		} else {
			kept = append(kept, c)
		}
	}
	l.items = append(kept, moved...)
}

// Contains reports whether format is still present in the list.
func (l *CandidateList) Contains(format models.CodecFlag) bool {
	for _, c := range l.items {
		if c == format {
			return true
		}
	}
	return false
}

// Reinstate re-adds format at the tail if it is not already present.
// Used to bring H.264 back as the codec of last resort when every other
// candidate has been eliminated (§4.5.1).
func (l *CandidateList) Reinstate(format models.CodecFlag) {
	if l.Contains(format) {
		return
	}
	l.items = append(l.items, format)
}
