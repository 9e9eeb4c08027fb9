package knowledge

import (
	"sort"
	"sync"
	"time"

	"autognosis/internal/logging"
	"autognosis/internal/numeric"
)

// Config holds the store's tuning constants.
type Config struct {
	DefaultTruth        float64 `yaml:"default_truth"`
	DefaultConfidence   float64 `yaml:"default_confidence"`
	InitialImportance   float64 `yaml:"initial_importance"`
	ImportanceIncrement float64 `yaml:"importance_increment"`
	MaxNameLength       int     `yaml:"max_name_length"`
}

// DefaultConfig returns the reference constants.
func DefaultConfig() Config {
	return Config{
		DefaultTruth:        0.5,
		DefaultConfidence:   0.5,
		InitialImportance:   1.0,
		ImportanceIncrement: 0.1,
		MaxNameLength:       255,
	}
}

// Store is a name-keyed atom graph. Ids come from a counter owned by the
// store, starting at 1. Atoms are never deleted.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	byName map[string]*Atom
	byID   map[uint64]*Atom
	nextID uint64
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = DefaultConfig().MaxNameLength
	}
	return &Store{
		cfg:    cfg,
		byName: make(map[string]*Atom),
		byID:   make(map[uint64]*Atom),
		nextID: 1,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Upsert returns the atom named name, creating it with default truth and
// confidence if absent. An existing atom has its importance bumped; its kind
// is left unchanged.
func (s *Store) Upsert(kind Kind, name string) (Atom, error) {
	if err := s.checkName(name); err != nil {
		return Atom{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(kind, name).clone(), nil
}

func (s *Store) checkName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > s.cfg.MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

func (s *Store) upsertLocked(kind Kind, name string) *Atom {
	if a, ok := s.byName[name]; ok {
		a.Importance += s.cfg.ImportanceIncrement
		return a
	}
	a := &Atom{
		ID:          s.nextID,
		Kind:        kind,
		Name:        name,
		Truth:       s.cfg.DefaultTruth,
		Confidence:  s.cfg.DefaultConfidence,
		Importance:  s.cfg.InitialImportance,
		LastUpdated: s.now(),
	}
	s.nextID++
	s.byName[name] = a
	s.byID[a.ID] = a
	logging.KnowledgeDebug("created atom %d %q (%s)", a.ID, name, kind)
	return a
}

// Find looks up an atom by name.
func (s *Store) Find(name string) (Atom, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byName[name]
	if !ok {
		return Atom{}, false
	}
	return a.clone(), true
}

// FindByID looks up an atom by id.
func (s *Store) FindByID(id uint64) (Atom, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return Atom{}, false
	}
	return a.clone(), true
}

// BlendTruth folds an observation into the named atom. Returns false if the
// atom does not exist.
func (s *Store) BlendTruth(name string, truth, conf float64) (Atom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byName[name]
	if !ok {
		return Atom{}, false
	}
	s.blendLocked(a, truth, conf)
	return a.clone(), true
}

// Observe upserts the named atom and blends the observation in one step.
func (s *Store) Observe(kind Kind, name string, truth, conf float64) (Atom, error) {
	if err := s.checkName(name); err != nil {
		return Atom{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.upsertLocked(kind, name)
	s.blendLocked(a, truth, conf)
	return a.clone(), nil
}

func (s *Store) blendLocked(a *Atom, truth, conf float64) {
	a.Truth, a.Confidence = Blend(a.Truth, a.Confidence, numeric.Unit(truth), numeric.Unit(conf))
	a.LastUpdated = s.now()
}

// SetImportance replaces an atom's importance. Negative values clamp to 0.
func (s *Store) SetImportance(name string, importance float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byName[name]
	if !ok {
		return false
	}
	if importance < 0 {
		importance = 0
	}
	a.Importance = importance
	return true
}

// Touch sets an atom's update time explicitly.
func (s *Store) Touch(name string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byName[name]
	if !ok {
		return false
	}
	a.LastUpdated = at
	return true
}

// Link appends to's id to from's outgoing sequence. Both atoms must exist.
func (s *Store) Link(from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.byName[from]
	if !ok {
		return false
	}
	dst, ok := s.byName[to]
	if !ok {
		return false
	}
	src.Outgoing = append(src.Outgoing, dst.ID)
	return true
}

// DecayImportance multiplies every atom's importance by factor in [0,1].
func (s *Store) DecayImportance(factor float64) {
	factor = numeric.Unit(factor)
	if factor == 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byName {
		a.Importance *= factor
	}
}

// Len returns the number of atoms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}

// LinkCount returns the total number of outgoing references.
func (s *Store) LinkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.byName {
		n += len(a.Outgoing)
	}
	return n
}

// MeanTruth returns the mean truth value over all atoms and whether the
// store is non-empty.
func (s *Store) MeanTruth() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byName) == 0 {
		return 0, false
	}
	var sum float64
	for _, a := range s.byName {
		sum += a.Truth
	}
	return sum / float64(len(s.byName)), true
}

// Snapshot returns copies of all atoms ordered by id.
func (s *Store) Snapshot() []Atom {
	s.mu.RLock()
	out := make([]Atom, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecentImportant returns atoms with importance above minImportance that
// were updated within maxAge of now, most important first.
func (s *Store) RecentImportant(minImportance float64, maxAge time.Duration) []Atom {
	s.mu.RLock()
	now := s.now()
	var out []Atom
	for _, a := range s.byName {
		if a.Importance > minImportance && now.Sub(a.LastUpdated) < maxAge {
			out = append(out, a.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads previously persisted atoms into an empty store, keeping
// their ids. The id counter continues past the largest restored id.
func (s *Store) Restore(atoms []Atom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range atoms {
		if in.Name == "" || len(in.Name) > s.cfg.MaxNameLength {
			continue
		}
		if _, dup := s.byName[in.Name]; dup {
			continue
		}
		a := in.clone()
		if _, dup := s.byID[a.ID]; dup || a.ID == 0 {
			a.ID = s.nextID
		}
		s.byName[a.Name] = &a
		s.byID[a.ID] = &a
		if a.ID >= s.nextID {
			s.nextID = a.ID + 1
		}
	}
	logging.Knowledge("restored %d atoms, next id %d", len(s.byName), s.nextID)
}
