// Package scache coordinates cached fetches of extracellular recording
// data for an interactive viewer.
//
// An Orchestrator serves one logical query stream, such as the spike data
// shown by one dashboard panel. It owns a bounded LRU cache of per-channel
// payloads keyed by the full query tuple, and decides on each parameter
// change whether the cache can answer or a network fetch is needed.
//
// ## Debounced Evaluation
//
// Interactive controls produce bursts of parameter changes, for example
// while a time slider is dragged. Each change restarts a single debounce
// timer and only the latest snapshot survives. When the timer fires, the
// orchestrator probes the cache for every requested channel. If all
// channels are cached the stream settles without network traffic;
// otherwise one batch request is issued for the full parameter set.
//
// ## Superseded Requests
//
// A parameter change that arrives while a request is in flight supersedes
// it. The in-flight request is proactively canceled, and should its
// response arrive anyway it is discarded: never written to the cache and
// never delivered to subscribers. Staleness is decided by comparing an
// explicit generation counter captured when the request was issued
// against the current one, so the last snapshot always wins regardless of
// response arrival order.
//
// ## Buffered Fetch Windows
//
// Fetch windows are extended by a configurable margin on each side of the
// visible range, and cache keys are built from these buffered bounds. A
// later request whose visible range lies inside the previously fetched
// buffered window reuses its bounds, producing the same keys, so panning
// and zooming within the margin is answered from cache.
//
// ## Invalidation
//
// Switching the active dataset makes every cached key meaningless, so the
// orchestrator flushes the cache outright whenever a snapshot names a new
// dataset, and Invalidate forces the same flush explicitly. Fetch failures
// leave the cache untouched and are surfaced to subscribers as error
// results; the orchestrator never retries on its own.
package scache
