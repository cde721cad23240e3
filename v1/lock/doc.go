// Package lock implements a distributed resource lock manager backed by
// Redis. Locks represent exclusive editing rights on a shared record (a
// change request) and carry a lease: ownership ends when the owner
// releases the lock or the lease expires. The Redis store is the single
// source of truth, so any number of processes can run independent
// Manager instances against the same keyspace. A background reaper
// evicts expired records, but every read path self-heals on expiry, so
// correctness never depends on the reaper having run.
package lock
