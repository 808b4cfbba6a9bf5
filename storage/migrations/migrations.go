// Package migrations holds the schema migrations for the archive's tables.
// Only the pipeline's own bookkeeping evolves here; the chain data tables are
// created once and never altered in place.
package migrations

import (
	"github.com/go-pg/migrations/v8"
)

var Collection = migrations.NewCollection()

func init() {
	Collection.DisableSQLAutodiscover(true)
}
