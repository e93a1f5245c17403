package storage

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNATS     = "nats"
	DriverPebble   = "pebble"
)

// Options carries the handles a driver may need. Only the field matching
// Driver has to be set.
type Options struct {
	Driver     string
	DB         *gorm.DB              // postgres, sqlite
	JetStream  nats.JetStreamContext // nats
	NATSBucket string
	PebblePath string
}

// Open returns the Store selected by opts.Driver.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres, DriverSQLite:
		if opts.DB == nil {
			return nil, fmt.Errorf("storage driver %s requires a database handle", opts.Driver)
		}
		return NewSQLStore(opts.DB)
	case DriverNATS:
		if opts.JetStream == nil {
			return nil, fmt.Errorf("storage driver %s requires a JetStream context", opts.Driver)
		}
		return NewNATSStore(opts.JetStream, opts.NATSBucket)
	case DriverPebble:
		return NewPebbleStore(opts.PebblePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
