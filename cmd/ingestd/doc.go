// Package main hosts the ingestion daemon entrypoint.
//
// One invocation performs one run for the configured source:
//   - Listing: work items come from a JSON-lines file or a colly walk of a
//     catalogue index (lister.kind).
//   - Sessions: a bounded pool of headless Chrome sessions (chromedp) shared by
//     every worker; sessions are reset between items and discarded after
//     exhausted retries.
//   - Extraction: snapshot mode captures one document per item and stores the
//     HTML in the blob store (local or GCS); feed mode walks a paginated feed
//     until a stop rule fires.
//   - Persistence: records go to a per-source Postgres schema through a small
//     per-namespace connection registry; run reports land in the same schema.
//   - Progress: run events flow through a batching hub to zap logs, Prometheus,
//     the run store, an in-memory status view served at /v1/runs, and an
//     optional Pub/Sub announcement.
//
// Operational notes:
//   - SIGINT/SIGTERM cancel the run; batches not yet started count as failed
//     and the report is still recorded.
//   - The admin server (metrics.addr) serves /healthz, /readyz, /metrics and
//     /v1/runs while the run is in flight.
//   - Env overrides use the INGEST_ prefix, e.g. INGEST_SOURCE_NAME,
//     INGEST_DB_DSN, INGEST_ORCHESTRATOR_BATCH_SIZE.
//
// Run locally: go run ./cmd/ingestd -config config.yaml
package main
