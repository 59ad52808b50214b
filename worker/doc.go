/*
Package worker launches external worker processes and gives the launcher a dedicated duplex channel to each of them.

A worker runs the same binary as its launcher. Its argv is derived from the launcher's own run invocation (see
package command), so it inherits every recognized flag. Besides the three inherited standard streams, the worker gets
one extra bidirectional byte channel as file descriptor 3; the worker side opens it with Parent.

The channel and the process share a lifecycle. When the process exits with a non-zero or abnormal status, the
launcher's side of the channel observes the crash: reads and writes that fail after the exit return an *ExitError
carrying the exit code instead of a plain stream error. A process that cannot be spawned at all is reported the same
way, as an already crashed worker, because spawning is asynchronous with respect to channel availability.

While a worker is live the launcher holds a reference on its Keeper, released exactly once when the worker exits.
*/
package worker
