// Package storage persists tenants, recipients, welcome templates and broadcast jobs.
//
// Backends:
//   - sqlite (modernc.org/sqlite, pure Go)
//   - postgres (jackc/pgx stdlib driver)
//   - memory (tests and dry runs)
//
// The SQL backends share one implementation; only the schema, placeholder
// style and unique-violation detection differ.
package storage
