// Package process owns one long-lived worker subprocess and its pipes.
//
// A Manager spawns the worker, writes task lines to its stdin and reads result
// lines from its stdout. Stderr is forwarded to the logger and the last 64KB is
// kept for error reports.
//
// Shutdown sequence (Stop):
//   - write the "quit" sentinel and close stdin
//   - wait up to the grace period for a clean exit
//   - SIGTERM, then SIGKILL after a further second
//
// The worker runs in its own process group and signals go to the whole group,
// so helpers it forked die with it. Every line the worker writes is a result,
// empty ones included. Lines written while no task is in flight are dropped by
// DiscardPending before the next dispatch; a line written between that check
// and the worker's real answer is still taken as the answer.
//
// An exit that was not requested through Stop or Kill is unexpected; callers
// check Unexpected() to decide whether to respawn.
package process
