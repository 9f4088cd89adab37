// Command snappea-recorder records a Wayland output to a video file.
//
// The GUI spawns it with the full set of recording flags and stops it with
// SIGTERM through the state file in $XDG_RUNTIME_DIR. The status, stop and
// encoders subcommands expose the same lifecycle from a terminal.
package main
