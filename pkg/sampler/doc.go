// Package sampler drives attach, walk and detach cycles against a target
// and turns the captured stacks into either a single trace or a folded
// stack histogram.
package sampler
