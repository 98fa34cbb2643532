package migrate

import (
	"embed"
	"io/fs"
)

//go:embed sql
var files embed.FS

// Embedded returns the console schema: migrations/*.up.sql, their .down.sql
// counterparts and seeds/*.sql.
func Embedded() fs.FS {
	sub, err := fs.Sub(files, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}
