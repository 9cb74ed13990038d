/*
Package log provides structured logging for Burrow built on zerolog.

Init configures the global logger once at process start; components obtain
child loggers via WithComponent, WithVBucket, WithShard or WithTask so that
every line carries the context it was emitted from.
*/
package log
