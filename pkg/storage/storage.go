package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/enlightenev/enlightenev/pkg/types"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrEntryExists   = errors.New("entry already exists")
)

// Database persists configured entries and the restore state of derived
// entities.
type Database interface {
	// Entries
	ListEntries(ctx context.Context) ([]types.Entry, error)
	GetEntry(ctx context.Context, entryID string) (types.Entry, error)
	CreateEntry(ctx context.Context, entry types.Entry) error
	UpdateEntry(ctx context.Context, entry types.Entry) error
	DeleteEntry(ctx context.Context, entryID string) error

	// Restore state
	ListRestoreStates(ctx context.Context, entryID string) ([]types.RestoreState, error)
	SetRestoreState(ctx context.Context, entryID string, state types.RestoreState) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, memory)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "memory":
			p.Database = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
