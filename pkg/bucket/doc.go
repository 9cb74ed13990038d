/*
Package bucket composes the engine: shards (KV store handle + flusher +
bgfetcher), the executor pool, the periodic tasks, the warmup machine and
the event broker, behind the client operation surface.

A bucket starts in degraded mode: writes return TempFailure until warmup
completes, at which point traffic is enabled automatically unless warmup
ran out of memory. Mutations are admitted through a write gate checking
traffic, the memory quota and disk-queue back-pressure; crossing the high
watermark wakes the item pager.

Operations that cannot complete immediately (non-resident reads, writes
against a pending vbucket) return WouldBlock after parking the caller's
cookie; the cookie is notified exactly once when the operation can be
retried, or with NotMyVBucket if the vbucket is deleted first.
*/
package bucket
