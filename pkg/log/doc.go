/*
Package log provides structured logging for lattice using zerolog.

A single global zerolog.Logger is configured once via Init and shared by
every package. Components attach context with WithComponent, and the
core packages that operate on a specific entity attach WithTaskKey,
WithWorkerAddress, or WithClientID so every log line can be correlated
back to the task graph, a worker, or a client without grepping by hand.

Init chooses between JSON output (for scraping) and a human-readable
console writer (for local development), matching the --log-json CLI
flag on cmd/lattice-scheduler.
*/
package log
