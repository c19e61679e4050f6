package core

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"catchcore/internal/infra/persistence/memory"
	"catchcore/internal/infra/persistence/postgres"
	"catchcore/internal/infra/persistence/sqlite"
	"catchcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // ephemeral, lost on exit
	StorageSQLite   StorageDriver = "sqlite"   // embedded file, whole-state snapshot
	StoragePostgres StorageDriver = "postgres" // one JSONB row per catch
)

// Environment variables read by OpenPersistentStore.
const (
	EnvStorageDriver = "CATCHCORE_STORAGE_DRIVER"
	EnvSQLitePath    = "CATCHCORE_SQLITE_PATH"
	EnvPostgresDSN   = "CATCHCORE_POSTGRES_DSN"
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

var storeOpeners = map[StorageDriver]func(*RulesEngine) (PersistentStore, error){
	StorageMemory: func(engine *RulesEngine) (PersistentStore, error) {
		return memory.NewStore(engine), nil
	},
	StorageSQLite: func(engine *RulesEngine) (PersistentStore, error) {
		s, err := sqlite.NewStore(os.Getenv(EnvSQLitePath), engine)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	StoragePostgres: func(engine *RulesEngine) (PersistentStore, error) {
		s, err := postgres.NewStore(os.Getenv(EnvPostgresDSN), engine)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
}

// OpenPersistentStore selects a backend from the environment:
//
//	CATCHCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	CATCHCORE_SQLITE_PATH: sqlite file (default ./catchcore.db)
//	CATCHCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	driver := StorageDriver(strings.ToLower(strings.TrimSpace(os.Getenv(EnvStorageDriver))))
	if driver == "" {
		driver = StorageSQLite
	}
	open, ok := storeOpeners[driver]
	if !ok {
		known := make([]string, 0, len(storeOpeners))
		for d := range storeOpeners {
			known = append(known, string(d))
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown storage driver %q (want one of %s)", driver, strings.Join(known, ", "))
	}
	return open(engine)
}
