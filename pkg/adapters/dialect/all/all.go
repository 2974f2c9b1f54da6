// Package all compiles in every supported backend.
package all

import (
	_ "github.com/ekaya-inc/dbhandler/pkg/adapters/dialect/mssql"
	_ "github.com/ekaya-inc/dbhandler/pkg/adapters/dialect/mysql"
	_ "github.com/ekaya-inc/dbhandler/pkg/adapters/dialect/postgres"
	_ "github.com/ekaya-inc/dbhandler/pkg/adapters/dialect/sqlite"
)
