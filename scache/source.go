package scache

import (
	"context"

	"github.com/goccy/go-json"
)

// Request is the batch fetch issued to a Source when any channel of a query
// misses the cache. Bounds are the resolved buffered window, not the raw
// visible one. One Request covers the full channel set; the orchestrator
// never issues per-channel requests.
type Request struct {
	Dataset        string     `json:"-"`
	Channels       []int      `json:"channels"`
	WindowStart    int64      `json:"startTime"`
	WindowEnd      int64      `json:"endTime"`
	Threshold      *float64   `json:"spikeThreshold"`
	Invert         bool       `json:"invertData"`
	UsePrecomputed bool       `json:"usePrecomputed"`
	DataType       DataType   `json:"dataType"`
	FilterType     FilterType `json:"filterType"`
}

// Source supplies recording data for a batch of channels. Implementations
// must honor context cancellation, since the orchestrator proactively
// cancels superseded requests.
//
// On success the returned map holds one opaque payload per requested
// channel. A transport failure is returned as a plain error; a failure
// reported by the server is returned as an *apierror.Error carrying the
// status code. The orchestrator treats both identically.
type Source interface {
	Fetch(ctx context.Context, req Request) (map[int]json.RawMessage, error)
	// String returns a description of the source.
	String() string
}
