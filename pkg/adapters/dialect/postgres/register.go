package postgres

import (
	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
)

func init() {
	dialect.Register(dialect.Registration{
		Info: dialect.Info{
			Name:        "postgres",
			Aliases:     []string{"postgresql", "pgx"},
			DisplayName: "PostgreSQL",
			DefaultPort: defaultPort,
		},
		Dialect: New(),
	})
}
