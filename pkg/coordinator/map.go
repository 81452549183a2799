package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/enlightenev/enlightenev/pkg/common"
	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/storage"
	"github.com/enlightenev/enlightenev/pkg/types"
)

// Configured sets up a coordinator Map from flags.
func Configured(store storage.Database) *Map {
	baseURL := lflag.String("enlighten-base-url", enlighten.DefaultBaseURL, "Base URL of the Enlighten cloud")
	entrezURL := lflag.String("enlighten-entrez-url", enlighten.DefaultEntrezURL, "Base URL of the Enlighten token service")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials")
	cal := types.Calibration{}
	lflag.JSON(&cal, "calibration", cal, "JSON object overriding the heuristic calibration constants")

	m := NewMap(store)

	lflag.Do(func() {
		if len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		m.encryptionKey = *encryptionKey
		m.cfg = enlighten.Config{BaseURL: *baseURL, EntrezURL: *entrezURL}
		m.cal = cal.WithDefaults()
	})

	return m
}

// Map manages one coordinator per stored entry.
type Map struct {
	store         storage.Database
	cfg           enlighten.Config
	encryptionKey string
	cal           types.Calibration

	// overridable in tests
	newClient func(cfg enlighten.Config, entry types.Entry) Client
	newAuth   func(cfg enlighten.Config, timeout time.Duration) Authenticator

	mu           sync.Mutex
	coordinators map[string]*Coordinator
	listeners    []func(Event)
}

// NewMap creates an empty Map backed by store.
func NewMap(store storage.Database) *Map {
	return &Map{
		store: store,
		cal:   types.DefaultCalibration(),
		newClient: func(cfg enlighten.Config, entry types.Entry) Client {
			return enlighten.NewClient(cfg, entry.SiteID, entry.Tokens, entry.Options.Timeout())
		},
		newAuth: func(cfg enlighten.Config, timeout time.Duration) Authenticator {
			return enlighten.NewAuthenticator(cfg, timeout)
		},
		coordinators: map[string]*Coordinator{},
	}
}

// EncryptionKey returns the key used to seal stored credentials.
func (m *Map) EncryptionKey() string {
	return m.encryptionKey
}

// ClientConfig returns the Enlighten endpoints coordinators talk to.
func (m *Map) ClientConfig() enlighten.Config {
	return m.cfg
}

// Load creates a coordinator for every stored entry that does not have one
// yet. Options are migrated and written back when they change.
func (m *Map) Load(ctx context.Context) (int, error) {
	entries, err := m.store.ListEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list entries: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if _, ok := m.Get(entry.ID); ok {
			continue
		}
		ctx := log.WithAttrs(ctx, slog.String("entryID", entry.ID), slog.String("siteID", entry.SiteID))

		opts, migrated, err := types.MigrateOptions(entry.Options, entry.OptionsVersion)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate options", slog.Any("error", err))
			continue
		}
		if migrated {
			entry.Options = opts
			entry.OptionsVersion = types.CurrentOptionsVersion
			entry.UpdatedAt = time.Now()
			if err := m.store.UpdateEntry(ctx, entry); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to save migrated options", slog.Any("error", err))
			}
		}

		var password string
		if entry.RememberPassword && len(entry.EncryptedCredentials) > 0 {
			var creds types.Credentials
			if err := common.OpenJSON(ctx, m.encryptionKey, entry.EncryptedCredentials, &creds); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "stored credentials unreadable; silent reauth disabled", slog.Any("error", err))
			} else {
				password = creds.Password
			}
		}

		m.Add(entry, password)
		loaded++
	}
	return loaded, nil
}

// Add creates and registers a coordinator for entry.
func (m *Map) Add(entry types.Entry, password string) *Coordinator {
	c := New(Config{
		Entry:       entry,
		Password:    password,
		Client:      m.newClient(m.cfg, entry),
		Auth:        m.newAuth(m.cfg, entry.Options.Timeout()),
		Store:       m.store,
		Calibration: m.cal,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fn := range m.listeners {
		c.Subscribe(fn)
	}
	m.coordinators[entry.ID] = c
	return c
}

// Set registers an existing coordinator. This is primarily used for testing.
func (m *Map) Set(c *Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fn := range m.listeners {
		c.Subscribe(fn)
	}
	m.coordinators[c.EntryID()] = c
}

// Subscribe registers fn with every current and future coordinator.
func (m *Map) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
	for _, c := range m.coordinators {
		c.Subscribe(fn)
	}
}

// Get returns the coordinator for entryID.
func (m *Map) Get(entryID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[entryID]
	return c, ok
}

// All returns every coordinator ordered by entry ID.
func (m *Map) All() []*Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID() < out[j].EntryID() })
	return out
}

// ForSerial resolves sn to a coordinator. An entry that lists sn or
// already reports it wins over one without an allow-list.
func (m *Map) ForSerial(sn string) (*Coordinator, bool) {
	all := m.All()
	for _, c := range all {
		if len(c.serials) > 0 && c.serials[sn] {
			return c, true
		}
		if _, ok := c.Charger(sn); ok {
			return c, true
		}
	}
	for _, c := range all {
		if len(c.serials) == 0 {
			return c, true
		}
	}
	return nil, false
}

// Run polls every coordinator until ctx is done.
func (m *Map) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.All() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}
	wg.Wait()
}
