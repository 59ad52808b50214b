// Package transform applies configured transform modules to source files by delegating the work to a
// dedicated worker process.
//
// A Transformer owns at most one worker at a time. Jobs are processed one at a time in submission order:
// the wire protocol carries no request ids, so a reply frame always belongs to the oldest outstanding job.
// For each job the host sends, as separate frames, a JSON manifest of descriptors, one bundle per
// descriptor and the source; the worker answers with exactly one frame holding the transformed source.
//
// With the handshake policy the worker first sends a single 0x01 frame, which the host awaits before
// sending any job.
package transform
