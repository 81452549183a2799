package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/storage"
	"github.com/enlightenev/enlightenev/pkg/types"
)

type entrySet struct {
	coord    Coordinator
	entities map[string]Entity
	order    []string
	serials  map[string]bool
	restored map[string][]byte
	saved    map[string][]byte
	states   map[string]State
}

// Registry owns the entities of every coordinator and keeps their last
// computed state.
type Registry struct {
	store storage.Database
	now   func() time.Time
	loc   *time.Location

	mu   sync.Mutex
	sets map[string]*entrySet
}

// Configured sets up a Registry from flags.
func Configured(store storage.Database) *Registry {
	tz := lflag.String("timezone", "", "IANA time zone that daily energy resets in, empty for the host zone")

	r := NewRegistry(store, nil, nil)

	lflag.Do(func() {
		if *tz == "" {
			return
		}
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			log.Ctx(context.Background()).Error("invalid timezone", slog.String("timezone", *tz), slog.Any("error", err))
			os.Exit(1)
		}
		r.loc = loc
	})

	return r
}

// NewRegistry creates a registry persisting restore state to store. loc is
// the zone local days are counted in, time.Local when nil.
func NewRegistry(store storage.Database, now func() time.Time, loc *time.Location) *Registry {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Registry{
		store: store,
		now:   now,
		loc:   loc,
		sets:  map[string]*entrySet{},
	}
}

// Setup creates the entities of coord and restores their saved state.
// Chargers come from the allow-list, else from the current snapshot; with
// no allow-list, chargers that show up later are added on Update.
func (r *Registry) Setup(ctx context.Context, coord Coordinator) error {
	ctx = log.WithAttrs(ctx, slog.String("entryID", coord.EntryID()))
	saved, err := r.store.ListRestoreStates(ctx, coord.EntryID())
	if err != nil {
		return fmt.Errorf("failed to list restore states: %w", err)
	}

	set := &entrySet{
		coord:    coord,
		entities: map[string]Entity{},
		serials:  map[string]bool{},
		restored: map[string][]byte{},
		saved:    map[string][]byte{},
		states:   map[string]State{},
	}
	for _, rs := range saved {
		set.restored[rs.UniqueID] = rs.Data
		set.saved[rs.UniqueID] = rs.Data
	}

	now := r.now()
	for _, e := range siteEntities(coord) {
		set.add(ctx, e, now)
	}
	snap, _ := coord.Snapshot()
	serials := coord.Serials()
	if len(serials) == 0 {
		serials = snapshotSerials(snap)
	}
	for _, sn := range serials {
		r.addCharger(ctx, set, sn, now)
	}
	for id, e := range set.entities {
		set.states[id] = e.Update(snap, now)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[coord.EntryID()] = set
	return nil
}

func snapshotSerials(snap types.Snapshot) []string {
	out := make([]string, 0, len(snap.Chargers))
	for sn := range snap.Chargers {
		out = append(out, sn)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) addCharger(ctx context.Context, set *entrySet, sn string, now time.Time) {
	set.serials[sn] = true
	entities := []Entity{
		newEnergyTodaySensor(set.coord, sn, r.loc),
		newPowerSensor(set.coord, sn),
		newLifetimeSensor(set.coord, sn),
	}
	entities = append(entities, chargerSensors(set.coord, sn)...)
	entities = append(entities, chargerControls(set.coord, sn)...)
	for _, e := range entities {
		set.add(ctx, e, now)
	}
}

func (set *entrySet) add(ctx context.Context, e Entity, now time.Time) {
	id := e.Description().UniqueID
	if rs, ok := e.(Restorer); ok {
		if data, ok := set.restored[id]; ok {
			if err := rs.Restore(data, now); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "ignoring unreadable restore state", slog.String("uniqueID", id), slog.Any("error", err))
			}
			delete(set.restored, id)
		}
	}
	set.entities[id] = e
	set.order = append(set.order, id)
}

type pendingSave struct {
	id   string
	data []byte
}

// Update recomputes the states of entryID's entities from snap and
// persists restore state that changed.
func (r *Registry) Update(ctx context.Context, entryID string, snap types.Snapshot) {
	ctx = log.WithAttrs(ctx, slog.String("entryID", entryID))
	now := r.now()

	r.mu.Lock()
	set, ok := r.sets[entryID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if len(set.coord.Serials()) == 0 {
		for _, sn := range snapshotSerials(snap) {
			if !set.serials[sn] {
				log.Ctx(ctx).InfoContext(ctx, "adding entities for new charger", slog.String("serial", sn))
				r.addCharger(ctx, set, sn, now)
			}
		}
	}

	var pending []pendingSave
	for _, id := range set.order {
		e := set.entities[id]
		set.states[id] = e.Update(snap, now)
		rs, ok := e.(Restorer)
		if !ok {
			continue
		}
		data, err := rs.Save()
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encode restore state", slog.String("uniqueID", id), slog.Any("error", err))
			continue
		}
		if !bytes.Equal(data, set.saved[id]) {
			pending = append(pending, pendingSave{id: id, data: data})
		}
	}
	r.mu.Unlock()

	for _, p := range pending {
		err := r.store.SetRestoreState(ctx, entryID, types.RestoreState{UniqueID: p.id, Data: p.data, UpdatedAt: now})
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save restore state", slog.String("uniqueID", p.id), slog.Any("error", err))
			continue
		}
		r.mu.Lock()
		set.saved[p.id] = p.data
		r.mu.Unlock()
	}
}

// Listen returns a coordinator listener that updates on every snapshot.
func (r *Registry) Listen(ctx context.Context) func(coordinator.Event) {
	return func(ev coordinator.Event) {
		if ev.Kind != coordinator.EventSnapshot || ev.Snapshot == nil {
			return
		}
		r.Update(ctx, ev.EntryID, *ev.Snapshot)
	}
}

// States returns the states of entryID's entities, or of every entity when
// entryID is empty, ordered by unique ID.
func (r *Registry) States(entryID string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []State
	for id, set := range r.sets {
		if entryID != "" && id != entryID {
			continue
		}
		for _, st := range set.states {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// State returns one entity's state.
func (r *Registry) State(uniqueID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.sets {
		if st, ok := set.states[uniqueID]; ok {
			return st, true
		}
	}
	return State{}, false
}

// Invoke runs action on an entity. Unavailable entities reject commands.
func (r *Registry) Invoke(ctx context.Context, uniqueID, action string, value json.RawMessage) error {
	r.mu.Lock()
	var (
		target Entity
		state  State
	)
	for _, set := range r.sets {
		if e, ok := set.entities[uniqueID]; ok {
			target, state = e, set.states[uniqueID]
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, uniqueID)
	}
	actor, ok := target.(Actor)
	if !ok {
		return fmt.Errorf("%w: %s accepts no actions", ErrUnsupportedAction, uniqueID)
	}
	if !state.Available {
		return fmt.Errorf("%w: %s", ErrUnavailable, uniqueID)
	}
	return actor.Invoke(ctx, action, value)
}
