package mysql

import (
	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
)

func init() {
	dialect.Register(dialect.Registration{
		Info: dialect.Info{
			Name:        "mysql",
			Aliases:     []string{"mariadb"},
			DisplayName: "MySQL / MariaDB",
			DefaultPort: defaultPort,
		},
		Dialect: New(),
	})
}
