// Package worker runs the two delivery paths of the bus.
//
// The Listener reacts to live signals: it claims a pending event, runs the
// handlers registered in this process, and finishes the event if nothing
// else is owed. The Reconciler polls the store on an interval, leases a
// batch of pending or processing events, and delivers to every matching
// subscription this process can reach, local or remote.
//
// Both paths share an Executor. Handler records are created insert-if-absent
// on (event, subscription) and each attempt is taken with a conditional
// update, so the two paths never run the same handler twice for one event
// even when they race.
package worker
