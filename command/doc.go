/*
Package command defines the grammar of the peerrun "run" command and the argv derivation used to launch workers.

A worker is launched "as if re-invoking the same command": the child's argv is the current process's argv with the
run target replaced and the trailing free-form arguments of the current invocation dropped, so every recognized flag
(--dev, --store, ...) is inherited by the worker.

	peerrun [global flags] run [run flags] <target> [args...]

Parsing goes through the same urfave/cli App the binary uses, so the derivation can never disagree with what the
binary itself accepts.
*/
package command
