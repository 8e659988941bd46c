// Package db embeds the discount catalog schema.
package db

import _ "embed"

// Schema contains the idempotent DDL for every table the service reads or
// writes. It is applied on start-up and by the seed tool.
//
//go:embed migrations/001_schema.sql
var Schema string
