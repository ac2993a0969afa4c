// Package metrics aggregates chat-completion call results into windowed and
// run-level statistics.
//
// Workers report through an [Aggregator]:
//
//	agg := metrics.NewAggregator(metrics.AggregatorOptions{
//		WindowDuration: time.Minute,
//		Clients:        20,
//		Sinks:          []metrics.SummarySink{lineSink},
//	})
//	agg.Start()
//	agg.RecordNewRequest()
//	_ = agg.AggregateRequest(result)
//	run := agg.Stop()
//
// # Windows
//
// Every WindowDuration the open window is summarized, merged into the run
// totals and reset. A result belongs to the window containing its End time. A window that saw no completed calls still produces a
// [Summary] with zero counts, so the sum of window request counts always
// equals the run count.
//
// Latency, time-to-first-byte and time-between-tokens are tracked in HDR
// histograms with microsecond resolution. Only successful calls contribute
// latency and token samples; failed calls are counted and broken down by
// [ErrorLabel].
//
// # Thread Safety
//
// All Aggregator methods are safe for concurrent use. Summaries are queued
// under the aggregator lock and handed to sinks after it is released, one at
// a time and in emission order, so a slow sink delays other flushes but never
// a worker that has nothing to flush. Observers also run outside the lock.
package metrics
