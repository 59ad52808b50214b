// Package broker lets a process that cannot spawn workers drive them through a broker process that can.
//
// A caller holds one websocket control connection to the broker. Each worker it runs is bound to a small
// integer pipe id, and the worker's channel is relayed over the control connection tagged with that id.
// Ids come from a free list: the most recently released id is reused first.
//
// An id is released in two steps. The broker sends a close event once the worker's channel is gone and
// the caller answers with a release request; only then does the id go back on the free list, so no
// message for the old pipe can still be in flight in either direction when the id is reused.
package broker
