// Package postgres implements store.Store on PostgreSQL with pgx/v5 and
// raw SQL.
//
// Due jobs are claimed with SELECT ... FOR UPDATE SKIP LOCKED, so several
// processes can share one database. The correlation table keeps one row per
// job with a unique instance column, which gives both lookup directions;
// outcomes live in their own table and a terminal row is never
// overwritten. The schema ships as embedded SQL files applied by Migrate.
package postgres
