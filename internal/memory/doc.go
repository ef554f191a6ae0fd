// Package memory stores conversation contexts between events.
//
// Store is a key-value contract (Get, Put with a TTL, Del) keyed by memory id.
// New picks a backend from config.MemoryConfig:
//
//   - "memory": Cache, an in-process TTL cache. Contexts are lost on restart.
//   - "sqlite": SQLiteStore on modernc.org/sqlite. Expired rows are swept
//     periodically. It also implements conversation.LogSink, writing chat and
//     skill status entries to a chat_log table.
//   - "nats": NATSStore on a JetStream key-value bucket whose TTL is the
//     configured retention.
//
// WithExpireHook observes expired contexts; ExpiryLogger uses it to record an
// aborted skill when a user never answered a pending question.
package memory
