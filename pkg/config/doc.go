/*
Package config loads the scheduler's configuration into a single
immutable Snapshot at construction time.

A Snapshot is built once (Default, then Load overlaying a YAML file and
the CLI flags parsed by cmd/lattice-scheduler) and handed to every core
component that needs it. There is no live-reload: per §9's "global
configuration" design note, changing a key means constructing a new
Snapshot and a new scheduler, not mutating one in place while the event
loop is running.
*/
package config
