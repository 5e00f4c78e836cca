// Package pyruntime understands the memory layout of a CPython
// interpreter running in another process. It finds the slot holding the
// current thread state in the target (Locate) and walks the chain of
// frame objects hanging off it (Walker) through remote memory reads.
//
// Only 64-bit little-endian targets are supported. The structure offsets
// used here are those of release builds of CPython 2.7 and 3.5 to 3.10.
package pyruntime
