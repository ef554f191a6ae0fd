// Package ttlcache provides a generic, thread-safe cache whose entries expire
// after a time-to-live. Expired and evicted entries can be reported through a
// hook so owners can react, e.g. by logging an abandoned conversation.
package ttlcache
