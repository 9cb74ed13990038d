/*
Package executor is Burrow's process-wide cooperative scheduler.

Tasks are partitioned onto four worker groups (Writer, Reader, AuxIO,
NonIO). Each type owns a logical queue made of three sub-queues: a ready
heap ordered by priority then FIFO, a future heap ordered by waketime, and
a pending list of suspended tasks. Worker goroutines run a fetch-execute
loop: due future entries are bulk-moved to ready (signalling n-1 other
sleepers), one pending entry is promoted per pop, and dead tasks are reaped
at the next pop.

A task scheduled with a waketime will not run before it, modulo the
MinSleepTime resolution of the sleep path. Components keep the TaskHandle
returned by Schedule and use it to Snooze, Wake and Cancel.
*/
package executor
