// Package postgres implements the store using pgx/v5 with raw SQL.
// Atomic claims use SELECT ... FOR UPDATE SKIP LOCKED; schema lives in
// embedded SQL migrations.
package postgres
