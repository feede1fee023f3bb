package exitmanager

import (
	"context"
	"errors"
	"sync"

	"listing-sniper-bot/internal/execution"
)

var ErrPreferenceNotFound = errors.New("exit preference not found")

// Source loads every open position with its entry execution and exit preference
type Source interface {
	LoadOpenCandidates(ctx context.Context) ([]Candidate, error)
}

// PreferenceStore keeps per-owner exit preferences
type PreferenceStore interface {
	GetPreference(ctx context.Context, owner string) (*Preference, error)
	SavePreference(ctx context.Context, p Preference) error
}

// MemoryPreferences is an in-process PreferenceStore
type MemoryPreferences struct {
	mu    sync.RWMutex
	prefs map[string]Preference
}

func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{prefs: make(map[string]Preference)}
}

func (m *MemoryPreferences) GetPreference(ctx context.Context, owner string) (*Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prefs[owner]
	if !ok {
		return nil, ErrPreferenceNotFound
	}
	p.Custom = append([]TakeProfitLevel(nil), p.Custom...)
	return &p, nil
}

func (m *MemoryPreferences) SavePreference(ctx context.Context, p Preference) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.prefs[p.Owner] = p
	m.mu.Unlock()
	return nil
}

// OpenPositioner is the engine view the in-memory source reads
type OpenPositioner interface {
	OpenPositions() []execution.Position
}

// EngineSource joins the engine's open positions with stored preferences.
// Used when no database is configured.
type EngineSource struct {
	positions OpenPositioner
	prefs     PreferenceStore
}

func NewEngineSource(positions OpenPositioner, prefs PreferenceStore) *EngineSource {
	return &EngineSource{positions: positions, prefs: prefs}
}

func (s *EngineSource) LoadOpenCandidates(ctx context.Context) ([]Candidate, error) {
	open := s.positions.OpenPositions()
	out := make([]Candidate, 0, len(open))
	cached := make(map[string]*Preference)

	for _, p := range open {
		pref, ok := cached[p.Owner]
		if !ok && s.prefs != nil {
			found, err := s.prefs.GetPreference(ctx, p.Owner)
			if err != nil && !errors.Is(err, ErrPreferenceNotFound) {
				return nil, err
			}
			pref = found
			cached[p.Owner] = pref
		}
		out = append(out, Candidate{Position: p, EntryPrice: p.EntryPrice, Preference: pref})
	}
	return out, nil
}
