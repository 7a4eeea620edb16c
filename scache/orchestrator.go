package scache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/channelqueue"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"github.com/spikeview/go-spikeview/lru"
)

var log = logging.Logger("scache")

var ErrClosed = errors.New("orchestrator closed")

// State is the orchestrator's position in its fetch cycle.
type State int32

const (
	// StateIdle means no query has been requested since creation or the
	// last invalidation.
	StateIdle State = iota
	// StateDebouncing means a parameter change is waiting out the debounce
	// window.
	StateDebouncing
	// StateFetching means a network request is in flight.
	StateFetching
	// StateSettled means the latest snapshot has been answered, from cache
	// or from the network, successfully or not.
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateFetching:
		return "fetching"
	case StateSettled:
		return "settled"
	}
	return "unknown"
}

// Result is delivered to OnResult subscribers when a query settles. Data is
// keyed by channel. On failure Err is set and Data is nil; the caller
// should keep displaying its previous data. FromCache is true when every
// channel was served from cache without a network request.
type Result struct {
	Params    Params
	Data      map[int]json.RawMessage
	Err       error
	FromCache bool
}

// Orchestrator coordinates cache lookups and network fetches for one
// logical query stream. Rapid parameter changes are debounced down to one
// fetch for the final snapshot, responses to superseded requests are
// discarded, and a dataset switch flushes the cache outright.
//
// Each Orchestrator owns its cache exclusively. Independent query streams,
// such as separate dashboard panels, must each use their own Orchestrator
// so that one stream's churn cannot evict another's hot entries.
type Orchestrator struct {
	source   Source
	cache    *lru.Cache[string, json.RawMessage]
	debounce time.Duration
	margin   float64

	mutex       sync.Mutex
	state       State
	generation  uint64
	dataset     string
	lastQuery   *Query
	timer       *time.Timer
	cancelFetch context.CancelFunc
	closed      bool

	loading   atomic.Bool
	discarded atomic.Uint64

	subMutex   sync.Mutex
	subs       []*channelqueue.ChannelQueue[Result]
	subsClosed bool
}

// New creates an Orchestrator that serves data from source, consulting an
// internally owned LRU cache first.
func New(source Source, options ...Option) (*Orchestrator, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("no data source")
	}
	cache, err := lru.New[string, json.RawMessage](opts.cacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		source:   source,
		cache:    cache,
		debounce: opts.debounce,
		margin:   opts.margin,
	}, nil
}

// Request submits a new parameter snapshot. The snapshot replaces any
// earlier one still waiting out the debounce window and supersedes any
// request already in flight. If the snapshot names a different dataset than
// the previous one, all cached entries are flushed first.
//
// The outcome is delivered to OnResult subscribers once the stream settles.
func (o *Orchestrator) Request(params Params) error {
	params, err := params.normalize()
	if err != nil {
		return err
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.closed {
		return ErrClosed
	}

	if params.Dataset != o.dataset {
		// Context break: old keys are meaningless for the new dataset.
		o.cache.Clear()
		o.lastQuery = nil
		o.dataset = params.Dataset
	}

	o.generation++
	o.stopTimer()
	o.abortFetch()
	o.state = StateDebouncing
	o.loading.Store(true)

	gen := o.generation
	o.timer = time.AfterFunc(o.debounce, func() {
		o.evaluate(gen, params)
	})
	return nil
}

// Invalidate flushes the cache, cancels any pending timer and in-flight
// request, and returns the orchestrator to idle. Use it when cached data is
// known to be stale for reasons the orchestrator cannot see, such as the
// backend re-running spike detection.
func (o *Orchestrator) Invalidate() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.closed {
		return
	}
	o.generation++
	o.stopTimer()
	o.abortFetch()
	o.cache.Clear()
	o.lastQuery = nil
	o.state = StateIdle
	o.loading.Store(false)
}

// OnResult creates a channel that receives a Result each time the stream
// settles, and adds it to the list of notification channels.
//
// Calling the returned cancel function removes the channel from the list
// and closes it. The channel is buffered so a slow reader never blocks the
// orchestrator.
func (o *Orchestrator) OnResult() (<-chan Result, context.CancelFunc) {
	cq := channelqueue.New[Result](-1)

	o.subMutex.Lock()
	if o.subsClosed {
		o.subMutex.Unlock()
		close(cq.In())
		return cq.Out(), func() {}
	}
	o.subs = append(o.subs, cq)
	o.subMutex.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.subMutex.Lock()
			for i, sub := range o.subs {
				if sub == cq {
					o.subs[i] = o.subs[len(o.subs)-1]
					o.subs[len(o.subs)-1] = nil
					o.subs = o.subs[:len(o.subs)-1]
					close(cq.In())
					break
				}
			}
			o.subMutex.Unlock()
		})
	}
	return cq.Out(), cancel
}

// Loading reports whether the stream is between a parameter change and its
// settlement.
func (o *Orchestrator) Loading() bool {
	return o.loading.Load()
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.state
}

// Discarded returns the number of superseded responses that were dropped
// without touching the cache or any subscriber.
func (o *Orchestrator) Discarded() uint64 {
	return o.discarded.Load()
}

// CacheLen returns the number of entries currently cached.
func (o *Orchestrator) CacheLen() int {
	return o.cache.Len()
}

// Close cancels all pending work and closes subscriber channels. The
// orchestrator cannot be used afterward.
func (o *Orchestrator) Close() {
	o.mutex.Lock()
	if o.closed {
		o.mutex.Unlock()
		return
	}
	o.closed = true
	o.generation++
	o.stopTimer()
	o.abortFetch()
	o.state = StateIdle
	o.loading.Store(false)
	o.mutex.Unlock()

	o.subMutex.Lock()
	o.subsClosed = true
	for _, cq := range o.subs {
		close(cq.In())
	}
	o.subs = nil
	o.subMutex.Unlock()
}

// evaluate runs when the debounce window elapses. It probes the cache for
// every channel of the snapshot and either settles from cache or issues one
// batch fetch for the full parameter set.
func (o *Orchestrator) evaluate(gen uint64, params Params) {
	o.mutex.Lock()
	if o.closed || gen != o.generation {
		// A newer snapshot or an invalidation got here first.
		o.mutex.Unlock()
		return
	}
	o.timer = nil

	query := resolveQuery(params, o.lastQuery, o.margin)
	o.lastQuery = &query

	keys := make(map[int]string, len(params.Channels))
	allCached := true
	for _, ch := range params.Channels {
		key := query.Key(ch)
		keys[ch] = key
		if !o.cache.Has(key) {
			allCached = false
		}
	}

	if allCached {
		data := make(map[int]json.RawMessage, len(keys))
		for ch, key := range keys {
			payload, ok := o.cache.Get(key)
			if !ok {
				// Has just reported the key present and nothing else
				// writes this cache, so this is a bug in the cache.
				panic("scache: entry vanished between Has and Get")
			}
			data[ch] = payload
		}
		o.state = StateSettled
		o.loading.Store(false)
		log.Debugw("Serving from cache", "channels", len(keys), "window", []int64{query.Start, query.End})
		// Emit before releasing the mutex so subscribers see results in
		// settle order.
		o.emit(Result{Params: params, Data: data, FromCache: true})
		o.mutex.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancelFetch = cancel
	o.state = StateFetching
	o.mutex.Unlock()

	req := Request{
		Dataset:        params.Dataset,
		Channels:       params.Channels,
		WindowStart:    query.Start,
		WindowEnd:      query.End,
		Threshold:      params.Threshold,
		Invert:         params.Invert,
		UsePrecomputed: params.UsePrecomputed,
		DataType:       params.DataType,
		FilterType:     params.FilterType,
	}
	go o.fetch(ctx, gen, params, req, keys)
}

// fetch performs one network request and applies the response only if the
// snapshot it was issued for is still the latest.
func (o *Orchestrator) fetch(ctx context.Context, gen uint64, params Params, req Request, keys map[int]string) {
	data, err := o.source.Fetch(ctx, req)

	o.mutex.Lock()
	if o.closed {
		// Shutdown teardown, not a supersede.
		o.mutex.Unlock()
		return
	}
	if gen != o.generation {
		o.mutex.Unlock()
		o.discarded.Add(1)
		log.Infow("Discarding superseded response", "source", o.source.String(), "err", err)
		return
	}
	o.cancelFetch = nil
	o.state = StateSettled
	o.loading.Store(false)

	if err == nil {
		// A response that does not cover every requested channel is
		// treated as a failure: no partial cache writes.
		var merr *multierror.Error
		for _, ch := range params.Channels {
			if _, ok := data[ch]; !ok {
				merr = multierror.Append(merr, fmt.Errorf("response missing channel %d", ch))
			}
		}
		err = merr.ErrorOrNil()
		if err == nil {
			for ch, key := range keys {
				o.cache.Set(key, data[ch])
			}
		}
	}

	// Emit before releasing the mutex so subscribers see results in settle
	// order even when the next evaluation is already waiting.
	if err != nil {
		log.Errorw("Fetch failed", "err", err, "source", o.source.String())
		o.emit(Result{Params: params, Err: err})
	} else {
		o.emit(Result{Params: params, Data: data})
	}
	o.mutex.Unlock()
}

func (o *Orchestrator) emit(r Result) {
	o.subMutex.Lock()
	if !o.subsClosed {
		for _, cq := range o.subs {
			cq.In() <- r
		}
	}
	o.subMutex.Unlock()
}

// stopTimer and abortFetch require o.mutex held.

func (o *Orchestrator) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) abortFetch() {
	if o.cancelFetch != nil {
		o.cancelFetch()
		o.cancelFetch = nil
	}
}
