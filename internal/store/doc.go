// Package store provides task persistence, claiming and change notification.
//
// This package is internal to taskpool. It owns the task records that the
// claim loop draws from and implements a publish-subscribe pattern so the
// HTTP API can stream task changes to connected clients.
//
// The main components are:
//
//   - [Store]: Interface defining task storage, claiming and subscription
//   - [MemoryStore]: In-memory implementation, the default
//   - [SQLStore]: database/sql implementation for sqlite and postgres
//   - [Task]: Storage representation of a scheduled task
//
// Claiming is atomic per store: two owners claiming concurrently never
// receive the same task. A claim is a lease; once its RetryAt passes, the
// task is claimable again by anyone.
//
// Subscribers receive events via buffered channels with non-blocking sends
// (slow subscribers miss events rather than block writers).
package store
