// Package queue implements the per-channel-type job queue.
//
// A Queue composes two collaborators:
//
//   - JobStore keeps the durable job record (status, attempts, last error).
//   - Transport carries job ids to consumers with priority and delayed delivery.
//
// Delivery is at-least-once. A message whose job is still "active" is re-claimed
// only when the transport marks it redelivered, which covers a worker that crashed
// between claiming and acknowledging. Executors must tolerate duplicate sends.
//
// Failed attempts are rescheduled with the queue's backoff policy until the job's
// max attempts are spent; the job then becomes terminally "failed" and is kept for
// inspection until the retention purge removes it.
package queue
