/*
Package vbucket implements the unit of ownership of the engine: one hash
table, one checkpoint manager, one bloom filter, one failover table and a
hybrid logical clock, bound together by the mutation pipeline.

Every accepted mutation takes the key's stripe lock, allocates the next
bySeqno and a CAS under the seqno mutex, appends to the open checkpoint,
updates the stored value and marks it dirty. Within a vbucket, mutations
are therefore totally ordered by bySeqno and their CAS values increase
with it.

State transitions follow active <-> replica <-> pending with any state
allowed to fall to dead. Writes against replica or dead vbuckets are
refused with NotMyVBucket; pending parks the cookie until activation.
*/
package vbucket
