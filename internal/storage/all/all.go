// Package all registers every storage backend. Import it for side effects:
//
//	import _ "sqlwrap/internal/storage/all"
package all

import (
	_ "sqlwrap/internal/storage/mssql"
	_ "sqlwrap/internal/storage/postgres"
	_ "sqlwrap/internal/storage/sqlite"
)
