package scribeengine

import _ "embed"

//go:embed schema.sql
var SchemaSQL []byte
