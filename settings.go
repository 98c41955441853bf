package haven

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Settings & Emergency Contacts
// ============================================================================

// AppSettings are the persisted user preferences.
type AppSettings struct {
	DarkMode     bool `json:"darkMode"`
	LargeText    bool `json:"largeText"`
	HighContrast bool `json:"highContrast"`
}

// DefaultSettings are written to storage on first initialization.
var DefaultSettings = AppSettings{DarkMode: true}

// EmergencyContact is a saved contact to reach in an emergency.
type EmergencyContact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation,omitempty"`
}

// SettingsStore persists app settings and emergency contacts. Init is
// the single mandatory initialization entry point; it loads both and
// writes the defaults on first run.
type SettingsStore struct {
	storage Storage
	log     *zap.Logger

	mu       sync.Mutex
	settings AppSettings
	contacts []EmergencyContact
}

// NewSettingsStore creates a settings store persisting through storage.
func NewSettingsStore(storage Storage, log *zap.Logger) *SettingsStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettingsStore{storage: storage, log: log, settings: DefaultSettings}
}

// Init loads persisted settings and contacts. Missing or corrupt state
// falls back to defaults; the defaults are persisted immediately on
// first run so later sessions start from an explicit record.
func (s *SettingsStore) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.storage.Get(settingsStorageKey)
	switch {
	case err != nil:
		s.log.Warn("settings: load failed, using defaults", zap.Error(err))
	case ok:
		settings := DefaultSettings
		if err := json.Unmarshal(data, &settings); err != nil {
			s.log.Warn("settings: corrupt state, using defaults", zap.Error(err))
			settings = DefaultSettings
		}
		s.settings = settings
	default:
		s.settings = DefaultSettings
		s.persistSettingsLocked()
	}

	s.contacts = nil
	if data, ok, err := s.storage.Get(contactsStorageKey); err != nil {
		s.log.Warn("settings: contacts load failed", zap.Error(err))
	} else if ok {
		if err := json.Unmarshal(data, &s.contacts); err != nil {
			s.log.Warn("settings: corrupt contacts, starting empty", zap.Error(err))
			s.contacts = nil
		}
	}
}

// Settings returns the current settings.
func (s *SettingsStore) Settings() AppSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Update applies and persists new settings.
func (s *SettingsStore) Update(settings AppSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.persistSettingsLocked()
}

// Contacts returns a copy of the emergency contact list.
func (s *SettingsStore) Contacts() []EmergencyContact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EmergencyContact(nil), s.contacts...)
}

// AddContact saves a new emergency contact and returns it with its
// generated id.
func (s *SettingsStore) AddContact(name, phone, relation string) (EmergencyContact, error) {
	if name == "" || phone == "" {
		return EmergencyContact{}, fmt.Errorf("contact name and phone are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := EmergencyContact{
		ID:       uuid.NewString(),
		Name:     name,
		Phone:    phone,
		Relation: relation,
	}
	s.contacts = append([]EmergencyContact{c}, s.contacts...)
	s.persistContactsLocked()
	return c, nil
}

// RemoveContact deletes a contact by id.
func (s *SettingsStore) RemoveContact(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.contacts[:0]
	for _, c := range s.contacts {
		if c.ID != id {
			filtered = append(filtered, c)
		}
	}
	s.contacts = filtered
	s.persistContactsLocked()
}

func (s *SettingsStore) persistSettingsLocked() {
	data, err := json.Marshal(&s.settings)
	if err == nil {
		err = s.storage.Set(settingsStorageKey, data)
	}
	if err != nil {
		s.log.Warn("settings: failed to persist", zap.Error(err))
	}
}

func (s *SettingsStore) persistContactsLocked() {
	data, err := json.Marshal(s.contacts)
	if err == nil {
		err = s.storage.Set(contactsStorageKey, data)
	}
	if err != nil {
		s.log.Warn("settings: failed to persist contacts", zap.Error(err))
	}
}
