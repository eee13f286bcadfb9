// Package storage defines the reader, writer and transaction interfaces of the migration engine state.
//
// Implementations must:
//   - return ErrNotFound when a lookup by key finds nothing
//   - return an empty slice when a query matches nothing
//   - apply the writes staged in a Transaction on Flush all together, or none of them
package storage
