/*
Package store is the scheduler's state table, grounded on the
CreateX/GetX/ListX/DeleteX method naming pkg/storage/boltdb.go uses for
its bbolt-backed CRUD, adapted here to a plain in-memory map since
durable persistence of scheduler state is explicitly out of scope.

Store holds the three entity tables (tasks, workers, clients) plus the
auxiliary indexes the placement and occupancy engines need on every
tick: an idle set and a saturated set of worker addresses, an
unrunnable set of task keys, and a host-to-workers aggregate. None of
these indexes are recomputed by scanning the tables — callers update
them explicitly alongside the table mutation that invalidates them, the
same discipline pkg/manager/fsm.go uses for its applied-index
bookkeeping.
*/
package store
