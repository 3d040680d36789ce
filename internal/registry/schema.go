package registry

import _ "embed"

// Schema is the reference DDL for PostgresStore.
//
//go:embed schema.sql
var Schema string
