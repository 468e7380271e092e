// Package migrations embeds the schema migrations for each supported driver.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// FS returns the migration files for the given driver directory.
func FS(driver string) (fs.FS, error) {
	return fs.Sub(files, driver)
}
