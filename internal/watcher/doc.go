// Package watcher converts OS process-termination notifications into resolved
// exit statuses for specific pids.
//
// On POSIX systems termination arrives as SIGCHLD, which carries no payload
// beyond "check for dead children". The Go runtime's signal handler only
// forwards the signal to a channel, so all reaping runs on an ordinary
// goroutine rather than in handler context. Two reaping policies are
// available behind the same interface:
//
//   - SafeWatcher reaps only pids explicitly registered via AddWatch. A child
//     that dies before registration stays unreaped until a matching AddWatch
//     arrives, which schedules a reap pass to collect it.
//   - FastWatcher reaps every terminable child on each notification and
//     caches statuses that have no registration yet. This is cheaper under
//     many concurrent children but reaps children spawned outside the
//     watcher too; their statuses are silently discarded. That is an
//     accepted trade-off of the policy, not a defect.
//
// CompletionWatcher dedicates one blocking OS wait primitive to each
// registration, so there is no shared-reaping ambiguity at all. It is the
// only policy available on Windows and may be selected elsewhere as well.
package watcher
