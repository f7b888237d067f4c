package postgres

import (
	_ "embed"

	"github.com/countryballcards/signup/internal/repository/sqlrow"
)

//go:embed schema.sql
var schema string

// Schema returns the idempotent DDL statements for the subscriber tables.
func Schema() []string { return sqlrow.SplitStatements(schema) }
