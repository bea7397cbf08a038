// Package db implements the opening of ledger databases according to the configured database type.
package db

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/store"
	"github.com/tarancss/dtrace/lib/store/mongo"
	"github.com/tarancss/dtrace/lib/store/postgres"
)

// New returns a ledger for the database type given in options. dbname is only used by MongoDB, where the connection
// uri does not select the database.
func New(options, connection, dbname string, opts store.PoolOptions, log *logrus.Logger) (store.Ledger, error) {
	switch options {
	case store.MONGODB:
		return mongo.New(connection, dbname, opts, log)
	case store.POSTGRES:
		return postgres.New(connection, opts, log)
	}

	return nil, fmt.Errorf("%w: %q", store.ErrUnknownDB, options)
}
