// Package unit pairs one broker subscription with one worker process and
// runs the consume, dispatch, resolve loop.
//
// State machine:
//
//	Idle -> AwaitingDelivery -> Dispatching -> AwaitingResult -> Resolving -> Idle
//	                     \-> Draining -> Stopped
//
// A unit holds at most one delivery at a time and resolves every delivery it
// takes exactly once:
//
//   - MESSAGE_DONE: ack
//   - MESSAGE_DONE_WITH_REPLY: publish to the reply target, then ack
//   - MESSAGE_FAILED: nack without requeue
//   - undecodable result line: nack without requeue (poison), process kept
//   - process crash or broken pipe: nack with requeue, process respawned
//   - task timeout: process killed, nack with requeue, process respawned
//   - shutdown deadline mid-task: process killed, nack with requeue
//
// Replies published back to the queue the task came from carry a hop counter
// header; a chain longer than the group's hop limit is quarantined.
//
// The process and the subscription are independent: a broker connection loss
// ends Run with a connection error but leaves the process running, so the
// pool can resubscribe without respawning workers.
package unit
