/*
Package hashtable implements the per-vbucket concurrent index of stored
values: a dense array of chain heads striped across a fixed set of
mutexes. A stripe guards the buckets congruent to it modulo the stripe
count; readers and writers take one stripe, resize takes all of them.

Eviction is policy-driven: value-only ejection drops the blob and keeps
the metadata chained, full ejection unlinks the value entirely while the
on-disk item count is preserved. Dirty, locked and temp values are never
ejected.

Visitation is pauseable: PauseResumeVisit returns a Position that survives
as long as the table is not resized; after a resize the walk restarts from
the beginning.
*/
package hashtable
