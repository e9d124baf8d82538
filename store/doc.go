// Package store is the DynamoDB access layer shared by the membership,
// uniqueness and counter packages.
//
// All records live in one table. Keys are structured strings of the form
// "<kind>/<id>" so a single table can multiplex record kinds, and two global
// secondary indexes reuse the same convention for ordered range scans:
//
//   - GSI-K1 (gsiK1PartitionKey, gsiK1SortKey): members of a parent in join order
//   - GSI-K2 (gsiK2PartitionKey, gsiK2SortKey): parents of a member by last activity
//
// # Consistency
//
// The store is the single source of truth. Nothing is cached between calls
// and there is no in-process locking: every guarantee comes from single-item
// conditional writes or from one TransactWriteItems call. Apart from
// re-requesting unprocessed BatchGet keys, Store does not retry;
// infrastructure failures are returned to the caller.
//
// # Configuration
//
// Use [DefaultConfig] for the standard table layout, or [LoadConfig] to read
// overrides from the environment:
//
//	s, err := store.NewFromEnv(ctx)
//
// # Errors
//
//   - [ErrNotFound] - the item does not exist
//   - [ErrConflict] - a conditional write's precondition failed
//   - [*ConditionError] - a transaction item failed its condition (matches [ErrConflict])
package store
