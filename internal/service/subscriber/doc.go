// Package subscriber implements the subscriber store: the single owner of
// subscription records and their audit trail.
//
// Email is the natural key and is resolved case-insensitively. A second
// subscription for a known address never creates a row; it refreshes the
// existing one, keeps the first non-"unknown" source, and moves an
// unsubscribed address back to pending.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go. Implementations live in
// repository/postgres, repository/mysql and repository/memory.
package subscriber
