// Package gridclient is a client library for a remote, partitioned,
// in-memory key-value grid.
//
// # Architecture
//
// Applications obtain a Session bound to a cluster endpoint, then open named
// maps through which they read, write, query, and subscribe to change
// notifications:
//
//	┌─────────────────────────────────────┐
//	│             Session                 │  owns the transport channel
//	│   (config, codecs, map registry)    │  and ordered teardown
//	└─────────────────────────────────────┘
//	           ↓ hands out
//	┌─────────────────────────────────────┐
//	│            NamedMap                 │  entry operations, queries,
//	│  (get/put/query/invoke/listeners)   │  lifecycle events
//	└─────────────────────────────────────┘
//	           ↓ delegates events to
//	┌─────────────────────────────────────┐
//	│         event dispatcher            │  one duplex stream per map,
//	│ (listener groups, fan-out, acks)    │  one subscription per target
//	└─────────────────────────────────────┘
//
// Package layout:
//
//   - grid: Session, NamedMap, listeners, and the event dispatcher
//   - filter, extractor, processor: the server-interpretable query algebra
//   - codec: pluggable value serialization (JSON built in)
//   - protocol: wire descriptors and the request factory
//   - transport: WebSocket and NATS channel implementations
//   - config, errors, metric: configuration, error taxonomy, Prometheus
//     instruments
//
// # Usage
//
//	session, err := grid.NewSession(ctx,
//	    grid.WithAddress("grid.internal:1408"),
//	    grid.WithRequestTimeout(30*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close(ctx)
//
//	orders, err := session.GetNamedMap("orders")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	prior, err := orders.Put(ctx, "o-1", map[string]any{"total": 12.5})
//
// Listeners collapse onto the minimum number of server subscriptions and
// survive event-stream failures; see the grid package documentation.
package gridclient
