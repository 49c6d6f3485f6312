package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/die-net/gateproxy/internal/auth"
)

// fileUser is the on-disk form of one identity.
type fileUser struct {
	Password       string   `json:"password"       yaml:"password"`
	Enabled        *bool    `json:"enabled"        yaml:"enabled"`
	MaxConnections int64    `json:"maxConnections" yaml:"maxConnections"`
	AllowedIPs     []string `json:"allowedIPs"     yaml:"allowedIPs"`
	Description    string   `json:"description"    yaml:"description"`
}

type fileSettings struct {
	EnforceSecrets *bool `json:"enforceSecrets" yaml:"enforceSecrets"`
}

type fileDoc struct {
	Users    map[string]fileUser `json:"users"    yaml:"users"`
	Settings fileSettings        `json:"settings" yaml:"settings"`
}

type table struct {
	records map[string]auth.Record
	enforce bool
}

// File is a directory loaded from a JSON or YAML file. The format is chosen
// by extension (.yaml/.yml, anything else is JSON). Reload swaps the whole
// table atomically; a failed reload keeps the previous one.
type File struct {
	path    string
	enforce bool
	logger  *slog.Logger

	tbl atomic.Pointer[table]
	sf  singleflight.Group
}

// NewFile loads path. enforceSecrets is used unless the file's settings
// override it.
func NewFile(path string, enforceSecrets bool, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	f := &File{path: path, enforce: enforceSecrets, logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

var _ auth.Directory = (*File)(nil)

func (f *File) Lookup(_ context.Context, id string) (auth.Record, bool, error) {
	r, ok := f.tbl.Load().records[id]
	return r, ok, nil
}

func (f *File) EnforceSecrets() bool {
	return f.tbl.Load().enforce
}

// Len returns the number of loaded identities.
func (f *File) Len() int {
	return len(f.tbl.Load().records)
}

// Reload re-reads the file. Concurrent calls share one read.
func (f *File) Reload() error {
	_, err, _ := f.sf.Do("reload", func() (any, error) {
		t, err := f.load()
		if err != nil {
			return nil, err
		}
		f.tbl.Store(t)
		f.logger.Info("identities loaded", "path", f.path, "count", len(t.records))
		return nil, nil
	})
	return err
}

// Run reloads the file every interval until ctx is canceled. Reload errors
// are logged and the previous table stays in effect.
func (f *File) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := f.Reload(); err != nil {
				f.logger.Error("identities reload failed", "path", f.path, "err", err)
			}
		}
	}
}

func (f *File) load() (*table, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read identities: %w", err)
	}

	var doc fileDoc
	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &doc)
	default:
		err = json.Unmarshal(b, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse identities %s: %w", f.path, err)
	}

	return buildTable(doc, f.enforce)
}

func buildTable(doc fileDoc, enforce bool) (*table, error) {
	t := &table{records: make(map[string]auth.Record, len(doc.Users)), enforce: enforce}
	if doc.Settings.EnforceSecrets != nil {
		t.enforce = *doc.Settings.EnforceSecrets
	}

	var errs []error
	for id, u := range doc.Users {
		if id == "" || strings.Contains(id, ":") {
			errs = append(errs, fmt.Errorf("invalid identity %q", id))
			continue
		}
		if u.MaxConnections < 0 {
			errs = append(errs, fmt.Errorf("identity %q: negative maxConnections", id))
			continue
		}
		enabled := true
		if u.Enabled != nil {
			enabled = *u.Enabled
		}
		t.records[id] = auth.Record{
			Secret:         u.Password,
			Enabled:        enabled,
			MaxConnections: u.MaxConnections,
			AllowedIPs:     u.AllowedIPs,
			Description:    u.Description,
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}
