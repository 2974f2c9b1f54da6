package mssql

import (
	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
)

func init() {
	dialect.Register(dialect.Registration{
		Info: dialect.Info{
			Name:        "mssql",
			Aliases:     []string{"sqlserver"},
			DisplayName: "Microsoft SQL Server",
			DefaultPort: defaultPort,
		},
		Dialect: New(),
	})
}
