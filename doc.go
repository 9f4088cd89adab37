// Package snappea is the control surface of the snappea screen recorder.
//
// Recording happens in a dedicated snappea-recorder process. The GUI that
// spawned it only needs three things, all provided here without linking
// the capture or encoding stack:
//
//  1. IsRecording: is a recorder process alive?
//  2. Stop: end it, gracefully first and forcefully after a grace period.
//  3. ParseRegion and ParseSize for the region arguments it passes.
//
// The recorder process records its PID and parameters in a JSON state file
// under $XDG_RUNTIME_DIR, which is the only state shared between the two
// processes besides signals and the output file.
package snappea
