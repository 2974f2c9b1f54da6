package sqlite

import (
	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
)

func init() {
	dialect.Register(dialect.Registration{
		Info: dialect.Info{
			Name:        "sqlite",
			Aliases:     []string{"sqlite3"},
			DisplayName: "SQLite",
		},
		Dialect: New(),
	})
}
