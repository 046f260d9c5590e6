package badger

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/timshannon/badgerhold/v4"

	"github.com/shehryarbajwa/browserpilot/internal/storage"
)

const maxTxRetries = 16

// Options configures the Badger connection
type Options struct {
	Path     string
	InMemory bool
}

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger zerolog.Logger

	identities  *IdentityStorage
	tasks       *TaskStorage
	sessions    *SessionStorage
	credentials *CredentialStorage
}

var _ storage.Storage = (*BadgerDB)(nil)

// NewBadgerDB opens (or creates) the database
func NewBadgerDB(logger zerolog.Logger, opts Options) (*BadgerDB, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil

	if opts.InMemory {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		options.Dir = opts.Path
		options.ValueDir = opts.Path
	}

	logger.Debug().Str("path", opts.Path).Bool("in_memory", opts.InMemory).Msg("Opening Badger database")

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	db := &BadgerDB{store: store, logger: logger}
	db.identities = &IdentityStorage{db: db}
	db.tasks = &TaskStorage{db: db}
	db.sessions = &SessionStorage{db: db}
	db.credentials = &CredentialStorage{db: db}
	return db, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

func (b *BadgerDB) Identities() storage.IdentityStorage   { return b.identities }
func (b *BadgerDB) Tasks() storage.TaskStorage             { return b.tasks }
func (b *BadgerDB) Sessions() storage.SessionStorage       { return b.sessions }
func (b *BadgerDB) Credentials() storage.CredentialStorage { return b.credentials }

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// update runs fn in a read-write transaction, retrying when Badger detects
// a conflicting concurrent commit.
func (b *BadgerDB) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = b.store.Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	b.logger.Warn().Err(err).Msg("Transaction kept conflicting, giving up")
	return err
}
