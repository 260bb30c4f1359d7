package persist

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/proctap/dsp"
)

const appKeyPrefix = "app/"

// AppSettings is the persisted state for one application.
type AppSettings struct {
	Volume            float64                `json:"volume"`
	Muted             bool                   `json:"muted"`
	DeviceUIDs        []string               `json:"device_uids,omitempty"`
	EQ                dsp.EQSettings         `json:"eq"`
	CompressorEnabled bool                   `json:"compressor_enabled"`
	Compressor        dsp.CompressorSettings `json:"compressor"`
}

// DefaultAppSettings returns the state a never-seen application gets:
// unity volume, unmuted, flat EQ, compressor off with default curve.
func DefaultAppSettings() AppSettings {
	return AppSettings{
		Volume:     1.0,
		EQ:         dsp.FlatEQSettings(),
		Compressor: dsp.DefaultCompressorSettings(),
	}
}

// Store is a Badger-backed settings database. Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "persist.Open",
		"dir":      dir,
	}).Info("Settings database opened")

	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the settings for identifier, or defaults when the
// application has never been saved.
func (s *Store) Load(identifier string) (AppSettings, error) {
	settings := DefaultAppSettings()

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(appKeyPrefix + identifier))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &settings)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return DefaultAppSettings(), nil
	}
	if err != nil {
		return DefaultAppSettings(), fmt.Errorf("failed to load settings for %q: %w", identifier, err)
	}
	return settings, nil
}

// Save writes the settings for identifier.
func (s *Store) Save(identifier string, settings AppSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings for %q: %w", identifier, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(appKeyPrefix+identifier), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save settings for %q: %w", identifier, err)
	}
	return nil
}

// Identifiers lists every application with saved settings.
func (s *Store) Identifiers() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(appKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list saved applications: %w", err)
	}
	return ids, nil
}

// Delete removes the settings for identifier. Deleting an absent
// identifier is not an error.
func (s *Store) Delete(identifier string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(appKeyPrefix + identifier))
	})
	if err != nil {
		return fmt.Errorf("failed to delete settings for %q: %w", identifier, err)
	}
	return nil
}
