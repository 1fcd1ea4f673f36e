/*
Package log provides structured logging for vos using zerolog.

The log package wraps zerolog to give every component — the arena, the
B-tree, the epoch manager, the object engine — a JSON-structured logger with
configurable level and output, plus helper constructors for tagging a
child logger with the pool, container, or object an operation touches.

# Architecture

	┌──────────────────── LOGGING ──────────────────────┐
	│  Global Logger (zerolog.Logger), set by log.Init() │
	│         │                                          │
	│         ├─ WithComponent("btree")                  │
	│         ├─ WithPool(poolUUID)                       │
	│         ├─ WithContainer(containerUUID)             │
	│         └─ WithObject(objID)                        │
	└─────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	poolLog := log.WithPool(poolUUID.String())
	poolLog.Info().Msg("pool opened")

	log.Logger.Error().Err(err).Str("op", "aggregate").Msg("aggregation pass failed")

# Design notes

A single package-level Logger keeps call sites terse across the engine's
deep call chains (vos into btree into pmem), at the cost of requiring Init() before
any logging — callers that skip it get zerolog's no-op default level
rather than a panic, which matches the library's own zero-value behavior.

Never log record payloads: they are caller data, not engine state, and may
contain anything the application chose to store.
*/
package log
