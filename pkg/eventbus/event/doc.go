// Package event defines the data model shared by every part of the bus:
// events, subscriptions, and the per-(event, subscription) handler records
// that make delivery idempotent.
//
// # Lifecycle
//
// An Event is created pending by the publisher. A worker claims it
// (processing), dispatches it to every matching subscription, and marks it
// completed when every HandlerRecord is completed, or failed once every
// record is terminal and at least one failed. Status never moves backwards
// and ProcessedAt is written exactly once.
//
// # Handler records
//
// A HandlerRecord is created the first time a worker decides a subscription
// matches an event. The (EventID, SubscriptionID) pair is unique in the
// store, so when two workers race on the same event only the one that
// creates the record dispatches.
package event
