// Package internaldefs is the single naming table for exported goSession metrics.
//
// The Prometheus collector and the OTel exporter both iterate [CounterDefs] and
// [HistogramDefs], so a scrape and an OTel pipeline see the same gosession_* names,
// the same latency buckets and the same "le" labels. Bucket math on client snapshots
// ([NormalizeBuckets], [CumulativeBuckets]) lives here too.
//
// It imports only the root goSession package and performs no I/O.
package internaldefs
