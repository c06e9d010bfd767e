// Package wal is the runtime's write-ahead log.
//
// Every lifecycle event is appended here before it becomes visible to a
// caller. Entries are immutable and partitioned into streams named
// "<tenant>/<YYYY-MM-DD>" (UTC). Order is total within a stream and
// undefined across streams.
//
// A saga that runs across midnight writes to two streams. Each entry is
// tagged with its execution ID, and ReadExecution stitches an execution's
// history back together across consecutive day partitions.
package wal
