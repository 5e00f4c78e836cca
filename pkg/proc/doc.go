// Package proc holds the data model shared by the inspection pipeline
// (frames, stacks, error kinds) and the primitives used to read typed
// values out of a foreign process's address space.
//
// proc does not talk to the operating system itself except for reading
// /proc/<pid>/maps; process control lives in the native subpackage.
package proc
