// Package stores provides the persistence layer behind engine.Store.
//
// SQLiteStore is the default: a single SQLite file in WAL mode with schema
// migrations embedded in the binary. BoltStore keeps the same data as JSON
// documents in a bbolt file. Both report missing records as NOT_FOUND engine
// errors and guard event claims so that only one caller wins.
package stores
