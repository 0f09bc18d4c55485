// Package migrations embeds schema SQL so binaries ship self-contained.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Initial returns the initial schema SQL.
func Initial() string {
	b, err := FS.ReadFile("001_initial_schema.sql")
	if err != nil {
		panic(err) // embedded file; cannot fail at runtime
	}
	return string(b)
}
