// Package arduibeescale implements the BeezScale beehive telemetry
// pipeline: broker ingestion, durable persistence, and real-time
// distribution for remote hive monitoring.
//
// # Architecture
//
// A single process hosts two concurrent execution contexts that share
// the entity store and the live session hub:
//
//	┌─────────────────────────────────────┐
//	│        Ingestion context            │  NATS wildcard subscription,
//	│  (ingest.Connector supervisor)      │  fixed-delay reconnection
//	└─────────────────────────────────────┘
//	           ↓ parse / validate
//	┌──────────────────┐  ┌───────────────┐
//	│   store.Store    │  │   live.Hub    │  SQLite persistence and
//	│  (hives,readings)│  │ (WebSocket)   │  best-effort fanout
//	└──────────────────┘  └───────────────┘
//	           ↑                  ↑
//	┌─────────────────────────────────────┐
//	│        Serving context              │  /api/... query endpoints,
//	│        (api.Server)                 │  /ws upgrades, /metrics
//	└─────────────────────────────────────┘
//
// Each telemetry message is parsed and validated once, then follows two
// independent paths: an atomic write to the store (hive upsert, reading
// append, last-seen update) and a fire-and-forget broadcast to every
// connected WebSocket session. Failure on one path never blocks the
// other.
//
// # Packages
//
//   - config: JSON configuration with environment overrides
//   - errors: classified errors (transient, invalid, fatal)
//   - ingest: broker connector, reconnect supervision, message parsing
//   - store: SQLite entity store, query and stats operations
//   - live: WebSocket hub with snapshot, fanout, and refresh requests
//   - api: HTTP query API, status endpoint, metrics exposure
//   - metric: Prometheus registry for pipeline metrics
//   - cmd/beezscale: process entry point and wiring
package arduibeescale
