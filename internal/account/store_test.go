package account

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nghyane/antigravity-pool/internal/quota"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "accounts.json")
	store := NewFileStore(path)

	doc := NewDocument()
	doc.Accounts = append(doc.Accounts, &Record{
		Email:         "a@test",
		RefreshSecret: "rt|proj|managed",
		AccessSecret:  "at",
		AccessExpiry:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Cooldowns: map[quota.Permission]time.Time{
			quota.PermissionAntigravity: time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		},
	})
	doc.ActiveIndex = 0

	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(got.Accounts))
	}
	rec := got.Accounts[0]
	if rec.Email != "a@test" || rec.RefreshSecret != "rt|proj|managed" || rec.AccessSecret != "at" {
		t.Errorf("record fields lost in round trip: %+v", rec)
	}
	until, ok := rec.Cooldowns[quota.PermissionAntigravity]
	if !ok || !until.Equal(time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)) {
		t.Errorf("cooldown lost in round trip: %v", rec.Cooldowns)
	}

	// Temp file from the atomic replace must be gone.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestFileStoreMissingFileIsEmptyPool(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Accounts) != 0 || doc.ActiveIndex != 0 {
		t.Errorf("missing file should load as empty pool, got %+v", doc)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(); err == nil {
		t.Error("corrupt file should fail to load, not be silently replaced")
	}
}

func TestLoadDedupesByEmail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	raw := `{
	  "version": 1,
	  "activeIndex": 5,
	  "accounts": [
	    {"email": "dup@test", "refreshToken": "old|p1", "lastUsed": "2025-01-01T00:00:00Z"},
	    {"email": "solo@test", "refreshToken": "solo|p2"},
	    {"email": "dup@test", "refreshToken": "new|p3", "lastUsed": "2025-03-01T00:00:00Z"}
	  ]
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	doc, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2 after dedupe", len(doc.Accounts))
	}
	for _, rec := range doc.Accounts {
		if rec.Email == "dup@test" && rec.RefreshSecret != "new|p3" {
			t.Errorf("dedupe kept %q, want the most recently used entry", rec.RefreshSecret)
		}
	}
	if doc.ActiveIndex < 0 || doc.ActiveIndex >= len(doc.Accounts) {
		t.Errorf("active index %d not repaired into range", doc.ActiveIndex)
	}
}

func TestWatchDetectsExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewFileStore(path)
	if err := store.Save(NewDocument()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	changed := make(chan struct{}, 1)
	if err := store.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer store.StopWatch()

	// A self-write must not trigger the callback.
	if err := store.Save(NewDocument()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case <-changed:
		t.Fatal("self-write triggered the change callback")
	case <-time.After(200 * time.Millisecond):
	}

	// An external write must.
	if err := os.WriteFile(path, []byte(`{"version":1,"activeIndex":0,"accounts":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("external write never triggered the change callback")
	}
}
