package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/types"
)

const (
	entriesCollection      = "entries"
	restoreStateCollection = "restore_state"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Every document stores its value as a JSON string in "json".
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project is allowed and detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) entryDoc(entryID string) (*firestore.DocumentRef, error) {
	if entryID == "" {
		return nil, fmt.Errorf("entryID cannot be empty")
	}
	return f.client.Collection(entriesCollection).Doc(entryID), nil
}

func decodeJSONDoc(doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// ListEntries retrieves all entries. Malformed documents are skipped.
func (f *FirestoreProvider) ListEntries(ctx context.Context) ([]types.Entry, error) {
	iter := f.client.Collection(entriesCollection).Documents(ctx)
	defer iter.Stop()

	var entries []types.Entry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating entries: %w", err)
		}

		var entry types.Entry
		if err := decodeJSONDoc(doc, &entry); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed entry", slog.String("entryID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetEntry retrieves a single entry.
func (f *FirestoreProvider) GetEntry(ctx context.Context, entryID string) (types.Entry, error) {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return types.Entry{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Entry{}, ErrEntryNotFound
		}
		return types.Entry{}, fmt.Errorf("failed to get entry %s: %w", entryID, err)
	}
	var entry types.Entry
	if err := decodeJSONDoc(doc, &entry); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "malformed entry", slog.String("entryID", entryID), slog.Any("err", err))
		return types.Entry{}, err
	}
	return entry, nil
}

// CreateEntry creates a new entry document and fails if it already exists.
func (f *FirestoreProvider) CreateEntry(ctx context.Context, entry types.Entry) error {
	ref, err := f.entryDoc(entry.ID)
	if err != nil {
		return err
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	_, err = ref.Create(ctx, map[string]interface{}{
		"json":   string(entryJSON),
		"siteID": entry.SiteID,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrEntryExists
		}
		return fmt.Errorf("failed to create entry %s: %w", entry.ID, err)
	}
	return nil
}

// UpdateEntry overwrites an existing entry document.
func (f *FirestoreProvider) UpdateEntry(ctx context.Context, entry types.Entry) error {
	ref, err := f.entryDoc(entry.ID)
	if err != nil {
		return err
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"json":   string(entryJSON),
		"siteID": entry.SiteID,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry deletes the entry and its restore state documents.
func (f *FirestoreProvider) DeleteEntry(ctx context.Context, entryID string) error {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return err
	}
	iter := ref.Collection(restoreStateCollection).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating restore state: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete restore state %s: %w", doc.Ref.ID, err)
		}
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entryID, err)
	}
	return nil
}

// ListRestoreStates retrieves every restore state document of an entry.
func (f *FirestoreProvider) ListRestoreStates(ctx context.Context, entryID string) ([]types.RestoreState, error) {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return nil, err
	}
	iter := ref.Collection(restoreStateCollection).Documents(ctx)
	defer iter.Stop()

	var states []types.RestoreState
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating restore state: %w", err)
		}
		var state types.RestoreState
		if err := decodeJSONDoc(doc, &state); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed restore state", slog.String("uniqueID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// SetRestoreState writes the restore state of one entity.
func (f *FirestoreProvider) SetRestoreState(ctx context.Context, entryID string, state types.RestoreState) error {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return err
	}
	if state.UniqueID == "" {
		return fmt.Errorf("uniqueID cannot be empty")
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal restore state %s: %w", state.UniqueID, err)
	}
	_, err = ref.Collection(restoreStateCollection).Doc(state.UniqueID).Set(ctx, map[string]interface{}{
		"json":      string(stateJSON),
		"updatedAt": state.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to set restore state %s: %w", state.UniqueID, err)
	}
	return nil
}
