// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL for the product, customer, order, ledger and
// outbox tables. Every statement is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
