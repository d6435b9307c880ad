// Package stages holds the standard pipeline stages and the error
// terminator.
//
// Each stage is a small struct configured at startup and shared by every
// request. Stages keep no per-request state of their own; anything that must
// travel from a stage's Serve to its Finish or Complete hook is stored as a
// request attribute.
//
// The usual way to assemble a pipeline is to fill a Set and call Install,
// which registers every non-nil stage in slot order.
package stages
