package main

import (
	"os"
	"path/filepath"
	"testing"

	"mucd/internal/muc"
	"mucd/store"
)

// cliDBSetup creates a temp directory with an initialized store and returns
// the database path. The directory is cleaned up when the test finishes.
func cliDBSetup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mucd.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	st.Close()
	return dbPath
}

// cliDBWithRooms creates a database pre-seeded with persistent rooms.
func cliDBWithRooms(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mucd.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	for _, name := range names {
		cfg := muc.DefaultRoomConfig(name)
		cfg.Persistent = true
		if err := st.SaveRoomConfig(cfg); err != nil {
			t.Fatalf("SaveRoomConfig(%q): %v", name, err)
		}
	}
	st.Close()
	return dbPath
}

// cliDBWithSettings creates a database pre-seeded with the given settings.
func cliDBWithSettings(t *testing.T, kv map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mucd.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	for k, v := range kv {
		if err := st.SetSetting(k, v); err != nil {
			t.Fatalf("SetSetting(%q, %q): %v", k, v, err)
		}
	}
	st.Close()
	return dbPath
}

// ---------------------------------------------------------------------------
// RunCLI: subcommand dispatch
// ---------------------------------------------------------------------------

func TestRunCLIVersionReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"version"}, "not-used.db") {
		t.Error("RunCLI(version) should return true")
	}
}

func TestRunCLIUnknownSubcommandReturnsFalse(t *testing.T) {
	if RunCLI([]string{"nonexistent-cmd"}, "not-used.db") {
		t.Error("RunCLI(unknown) should return false")
	}
}

func TestRunCLIEmptyArgsReturnsFalse(t *testing.T) {
	if RunCLI([]string{}, "not-used.db") {
		t.Error("RunCLI([]) should return false")
	}
}

func TestRunCLINilArgsReturnsFalse(t *testing.T) {
	if RunCLI(nil, "not-used.db") {
		t.Error("RunCLI(nil) should return false")
	}
}

// ---------------------------------------------------------------------------
// "status" subcommand
// ---------------------------------------------------------------------------

func TestCLIStatusReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"status"}, dbPath) {
		t.Error("RunCLI(status) should return true")
	}
}

func TestCLIStatusWithRoomsReturnsTrue(t *testing.T) {
	dbPath := cliDBWithRooms(t, "garden", "lounge")
	if !RunCLI([]string{"status"}, dbPath) {
		t.Error("RunCLI(status) should return true")
	}
}

// ---------------------------------------------------------------------------
// "rooms" subcommand
// ---------------------------------------------------------------------------

func TestCLIRoomsListReturnsTrue(t *testing.T) {
	dbPath := cliDBWithRooms(t, "garden", "lounge")
	if !RunCLI([]string{"rooms"}, dbPath) {
		t.Error("RunCLI(rooms) should return true")
	}
}

func TestCLIRoomsEmptyDBReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"rooms"}, dbPath) {
		t.Error("RunCLI(rooms) with empty db should return true")
	}
}

// ---------------------------------------------------------------------------
// "settings" subcommand
// ---------------------------------------------------------------------------

func TestCLISettingsGetReturnsTrue(t *testing.T) {
	dbPath := cliDBWithSettings(t, map[string]string{"service_name": "Chatrooms"})
	if !RunCLI([]string{"settings"}, dbPath) {
		t.Error("RunCLI(settings) should return true")
	}
}

func TestCLISettingsGetExplicitReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"settings", "get", "service_name"}, dbPath) {
		t.Error("RunCLI(settings get) should return true")
	}
}

func TestCLISettingsSetReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"settings", "set", "mykey", "myvalue"}, dbPath) {
		t.Error("RunCLI(settings set) should return true")
	}

	// Verify the setting was persisted.
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	val, ok, err := st.GetSetting("mykey")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok {
		t.Fatal("expected setting to exist")
	}
	if val != "myvalue" {
		t.Errorf("setting value: got %q, want %q", val, "myvalue")
	}
}

// ---------------------------------------------------------------------------
// "backup" subcommand
// ---------------------------------------------------------------------------

func TestCLIBackupCreatesFile(t *testing.T) {
	dbPath := cliDBWithRooms(t, "garden")
	outPath := filepath.Join(t.TempDir(), "backup.db")
	if !RunCLI([]string{"backup", outPath}, dbPath) {
		t.Error("RunCLI(backup) should return true")
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	// The backup must be a usable database with the same rooms.
	st, err := store.New(outPath)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer st.Close()
	names, err := st.RoomNames()
	if err != nil {
		t.Fatalf("RoomNames: %v", err)
	}
	if len(names) != 1 || names[0] != "garden" {
		t.Errorf("rooms in backup = %v, want [garden]", names)
	}
}

// ---------------------------------------------------------------------------
// splitJIDs flag helper
// ---------------------------------------------------------------------------

func TestSplitJIDs(t *testing.T) {
	got := splitJIDs("root@example.org, admin@example.org ,")
	if len(got) != 2 || got[0] != "root@example.org" || got[1] != "admin@example.org" {
		t.Errorf("splitJIDs = %v", got)
	}
	if got := splitJIDs(""); len(got) != 0 {
		t.Errorf("splitJIDs(\"\") = %v, want empty", got)
	}
}
