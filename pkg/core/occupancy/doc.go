/*
Package occupancy tracks each worker's expected busy time and
classifies workers as idle or saturated so the placement and
work-stealing engines know where slack capacity is.

The background re-evaluation loop is the same ticker+stopCh shape
pkg/reconciler uses for its periodic reconcile passes, just driving
Recompute instead of a reconcile function.
*/
package occupancy
