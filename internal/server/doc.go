// Package server provides the HTTP API of a task manager.
//
// This package is internal to taskpool and handles all HTTP concerns:
//
//   - REST API: list, inspect, schedule, remove and run tasks under "/api/tasks"
//   - Pool statistics at "/api/pool"
//   - Server-Sent Events: Real-time task events at "/api/sse"
//   - Prometheus metrics at "/metrics" and a liveness probe at "/healthz"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
//
// Users of the taskpool library should not need to interact with this
// package directly. The server is started by [taskpool.Manager.Start] when
// an HTTP port is configured.
package server
