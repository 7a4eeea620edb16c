package scache

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DataType selects which representation of the recording the backend
// returns for each channel.
type DataType string

const (
	DataTypeRaw      DataType = "raw"
	DataTypeFiltered DataType = "filtered"
	DataTypeSpikes   DataType = "spikes"
)

// FilterType selects the signal filter the backend applies before spike
// detection.
type FilterType string

const (
	FilterNone     FilterType = "none"
	FilterHighpass FilterType = "highpass"
	FilterLowpass  FilterType = "lowpass"
	FilterBandpass FilterType = "bandpass"
	FilterBandstop FilterType = "bandstop"
)

// Params is one parameter snapshot for a query stream. Every field except
// the visible window bounds contributes to cache key identity. Changing
// Dataset is context-breaking: it invalidates all cached entries.
type Params struct {
	// Dataset identifies the active recording. Cached entries from one
	// dataset are meaningless for another.
	Dataset string
	// Channels are the electrode channels to fetch, each cached
	// independently.
	Channels []int
	// WindowStart and WindowEnd are the visible window bounds in sample
	// indices. The actual fetch window is extended by a buffer margin so
	// that panning within the margin is served from cache.
	WindowStart int64
	WindowEnd   int64
	// Threshold is the spike detection threshold. Nil means the backend
	// default.
	Threshold *float64
	// Invert flips signal polarity before detection.
	Invert bool
	// UsePrecomputed selects precomputed spike times instead of running
	// detection.
	UsePrecomputed bool
	DataType       DataType
	FilterType     FilterType
}

// normalize fills in defaults and puts Channels in canonical order so that
// two snapshots meaning the same query compare and key identically. The
// caller's slice is not modified.
func (p Params) normalize() (Params, error) {
	if p.DataType == "" {
		p.DataType = DataTypeRaw
	}
	if p.FilterType == "" {
		p.FilterType = FilterHighpass
	}
	switch p.DataType {
	case DataTypeRaw, DataTypeFiltered, DataTypeSpikes:
	default:
		return Params{}, fmt.Errorf("unknown data type: %q", p.DataType)
	}
	switch p.FilterType {
	case FilterNone, FilterHighpass, FilterLowpass, FilterBandpass, FilterBandstop:
	default:
		return Params{}, fmt.Errorf("unknown filter type: %q", p.FilterType)
	}
	if len(p.Channels) == 0 {
		return Params{}, errors.New("no channels requested")
	}
	if p.WindowEnd <= p.WindowStart {
		return Params{}, fmt.Errorf("window end %d not after start %d", p.WindowEnd, p.WindowStart)
	}

	channels := make([]int, len(p.Channels))
	copy(channels, p.Channels)
	sort.Ints(channels)
	// Drop duplicates so that each channel maps to one cache entry.
	uniq := channels[:1]
	for _, ch := range channels[1:] {
		if ch != uniq[len(uniq)-1] {
			uniq = append(uniq, ch)
		}
	}
	p.Channels = uniq
	return p, nil
}

// sameScope reports whether two snapshots differ only in their visible
// window bounds. When true, a fetch window resolved for one can serve the
// other if the other's visible range lies inside it.
func sameScope(a, b Params) bool {
	if a.Dataset != b.Dataset ||
		a.Invert != b.Invert ||
		a.UsePrecomputed != b.UsePrecomputed ||
		a.DataType != b.DataType ||
		a.FilterType != b.FilterType {
		return false
	}
	if (a.Threshold == nil) != (b.Threshold == nil) {
		return false
	}
	if a.Threshold != nil && *a.Threshold != *b.Threshold {
		return false
	}
	if len(a.Channels) != len(b.Channels) {
		return false
	}
	for i, ch := range a.Channels {
		if b.Channels[i] != ch {
			return false
		}
	}
	return true
}

// Query is one resolved fetch: a parameter snapshot together with the
// buffered window bounds that are actually requested from the backend.
// Cache keys are derived from Query, never from raw visible bounds.
type Query struct {
	Params Params
	// Start and End are the resolved fetch bounds: the visible window
	// extended by the buffer margin and clamped at zero.
	Start int64
	End   int64
}

// resolveQuery computes the buffered fetch window for p. If prev is the
// query most recently resolved for the same scope and p's visible range
// lies entirely within prev's buffered bounds, prev is reused so that the
// derived keys match the entries cached by the earlier fetch.
func resolveQuery(p Params, prev *Query, margin float64) Query {
	if prev != nil && sameScope(prev.Params, p) &&
		p.WindowStart >= prev.Start && p.WindowEnd <= prev.End {
		return Query{Params: p, Start: prev.Start, End: prev.End}
	}
	buffer := int64(float64(p.WindowEnd-p.WindowStart) * margin)
	start := p.WindowStart - buffer
	if start < 0 {
		start = 0
	}
	return Query{Params: p, Start: start, End: p.WindowEnd + buffer}
}

// Key returns the cache key for one channel of the query. Construction is
// deterministic with a fixed field order, so identical queries always
// produce identical keys. Every field is numeric or a closed enum, so the
// separator cannot occur inside a field and distinct tuples cannot collide.
func (q Query) Key(channel int) string {
	threshold := "none"
	if q.Params.Threshold != nil {
		threshold = strconv.FormatFloat(*q.Params.Threshold, 'g', -1, 64)
	}
	fields := []string{
		strconv.Itoa(channel),
		strconv.FormatInt(q.Start, 10),
		strconv.FormatInt(q.End, 10),
		threshold,
		strconv.FormatBool(q.Params.Invert),
		strconv.FormatBool(q.Params.UsePrecomputed),
		string(q.Params.DataType),
		string(q.Params.FilterType),
	}
	return strings.Join(fields, "|")
}
