// Package snapshot loads and saves the account and room stores as a single
// JSON file. Loading fails open: a missing or corrupt file yields empty stores.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Tyrowin/roomcall/internal/accounts"
	"github.com/Tyrowin/roomcall/internal/rooms"
)

// file is the on-disk layout. Fields stay raw so that a null or absent
// section leaves the corresponding store empty instead of nil.
type file struct {
	Accounts json.RawMessage `json:"accounts"`
	Rooms    json.RawMessage `json:"rooms"`
}

// Gateway reads and writes the snapshot at a fixed path.
type Gateway struct {
	path string
}

// New returns a gateway for the snapshot file at path.
func New(path string) *Gateway {
	return &Gateway{path: path}
}

// Path returns the snapshot location.
func (g *Gateway) Path() string {
	return g.path
}

// Load reads the snapshot. Any failure is logged and two empty stores are
// returned so that startup never aborts on bad state.
func (g *Gateway) Load() (*accounts.Store, *rooms.Store) {
	accountStore, roomStore, err := g.load()
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No snapshot at %s; starting with empty state", g.path)
		} else {
			log.Printf("Ignoring unreadable snapshot %s: %v", g.path, err)
		}
		return accounts.NewStore(accounts.DefaultCost), rooms.NewStore()
	}
	return accountStore, roomStore
}

func (g *Gateway) load() (*accounts.Store, *rooms.Store, error) {
	raw, err := os.ReadFile(g.path)
	if err != nil {
		return nil, nil, err
	}

	var snap file
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}

	accountStore := accounts.NewStore(accounts.DefaultCost)
	if hasSection(snap.Accounts) {
		if err := json.Unmarshal(snap.Accounts, accountStore); err != nil {
			return nil, nil, fmt.Errorf("decode accounts: %w", err)
		}
	}

	roomStore := rooms.NewStore()
	if hasSection(snap.Rooms) {
		if err := json.Unmarshal(snap.Rooms, roomStore); err != nil {
			return nil, nil, fmt.Errorf("decode rooms: %w", err)
		}
	}

	return accountStore, roomStore, nil
}

func hasSection(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Save writes both stores to the snapshot path, replacing the previous file
// through a rename so readers never observe a partial write.
func (g *Gateway) Save(accountStore *accounts.Store, roomStore *rooms.Store) error {
	sections := struct {
		Accounts *accounts.Store `json:"accounts"`
		Rooms    *rooms.Store    `json:"rooms"`
	}{Accounts: accountStore, Rooms: roomStore}

	data, err := json.MarshalIndent(sections, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(g.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(g.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, g.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
