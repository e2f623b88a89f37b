// Package cli implements the eventbusd command line: the serve loop, schema
// migration, and one-shot operations against a configured store.
package cli
