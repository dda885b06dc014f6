// Package devicedb loads the shipped device database: one YAML file per
// supported device, mapping bus/vendor/product triples to a driver name,
// quirks and capability overrides. The database is read once at startup and
// never mutated afterwards.
package devicedb

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

type key struct {
	bus     BusType
	vendor  uint16
	product uint16
}

// DB is the immutable lookup table. Entries with several match patterns
// share one record.
type DB struct {
	log     *zap.Logger
	entries map[key]*Entry
}

// Load reads every *.device file under dir. Unparseable files are logged
// and skipped so one bad entry cannot take the whole daemon down.
func Load(log *zap.Logger, dir string) (*DB, error) {
	db := &DB{log: log, entries: make(map[key]*Entry)}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read device database dir %s: %w", dir, err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".device") {
			continue
		}
		full := filepath.Join(dir, f.Name())
		entry, err := loadEntry(full)
		if err != nil {
			log.Warn("skipping device entry", zap.String("file", full), zap.Error(err))
			continue
		}
		for _, m := range entry.Matches {
			db.entries[key{m.Bus, m.Vendor, m.Product}] = entry
		}
		log.Debug("loaded device entry",
			zap.String("name", entry.Name),
			zap.String("driver", entry.Driver),
			zap.Int("matches", len(entry.Matches)))
	}
	log.Info("device database loaded", zap.Int("entries", len(db.entries)))
	return db, nil
}

func loadEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file entryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	entry, err := file.toEntry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Lookup resolves a device identity to its database entry. A nil return
// means the device is not supported. When the entry carries a name glob it
// must also match the kernel-reported device name.
func (db *DB) Lookup(bus BusType, vendor, product uint16, name string) *Entry {
	entry, ok := db.entries[key{bus, vendor, product}]
	if !ok {
		return nil
	}
	if entry.NameGlob != "" {
		ok, err := path.Match(entry.NameGlob, name)
		if err != nil || !ok {
			return nil
		}
	}
	return entry
}

// Len reports the number of match patterns loaded.
func (db *DB) Len() int { return len(db.entries) }
