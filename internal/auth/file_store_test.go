package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStoreAt(filepath.Join(t.TempDir(), "auth.json"))
}

func TestFileStore_SetAndGet(t *testing.T) {
	store := newTestFileStore(t)

	cred := &Credential{
		Type:    TypeOAuth,
		Access:  "access-1",
		Refresh: "refresh-1",
		Expires: time.Now().Add(time.Hour).UnixMilli(),
		Extra:   map[string]string{"resourceUrl": "https://portal.qwen.ai/v1"},
	}
	if err := store.Set("qwen", cred); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get("qwen")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Access != "access-1" || got.Refresh != "refresh-1" {
		t.Errorf("tokens: got %q/%q", got.Access, got.Refresh)
	}
	if got.Extra["resourceUrl"] != "https://portal.qwen.ai/v1" {
		t.Errorf("extra not persisted: %+v", got.Extra)
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	store := newTestFileStore(t)

	got, err := store.Get("anthropic")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestFileStore_SetRejectsEmptyCredential(t *testing.T) {
	store := newTestFileStore(t)

	if err := store.Set("anthropic", &Credential{}); err == nil {
		t.Fatal("expected validation error for empty credential")
	}
}

func TestFileStore_UpdateKeepsOrder(t *testing.T) {
	store := newTestFileStore(t)

	for _, key := range []string{"anthropic", "anthropic:work", "anthropic:side"} {
		if err := store.Set(key, &Credential{Access: "a-" + key, Refresh: "r"}); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}
	// Rewriting the first entry must not move it to the end.
	if err := store.Set("anthropic", &Credential{Access: "a-new", Refresh: "r"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	conns, err := store.ListConnections("anthropic")
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	want := []string{"anthropic", "anthropic:work", "anthropic:side"}
	if len(conns) != len(want) {
		t.Fatalf("got %d connections, want %d", len(conns), len(want))
	}
	for i, c := range conns {
		if c.Key != want[i] {
			t.Errorf("conns[%d] = %q, want %q", i, c.Key, want[i])
		}
	}
	if conns[0].Connection != "" || conns[1].Connection != "work" {
		t.Errorf("unexpected suffixes: %+v", conns)
	}
}

func TestFileStore_ListConnectionsFiltersBase(t *testing.T) {
	store := newTestFileStore(t)

	_ = store.Set("anthropic:work", &Credential{Access: "a", Refresh: "r"})
	_ = store.Set("qwen", &Credential{Access: "a", Refresh: "r"})
	_ = store.Set("anthropic-legacy", &Credential{Access: "a", Refresh: "r"})

	conns, err := store.ListConnections("anthropic")
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 1 || conns[0].Key != "anthropic:work" {
		t.Errorf("got %+v, want only anthropic:work", conns)
	}
}

func TestFileStore_Remove(t *testing.T) {
	store := newTestFileStore(t)

	_ = store.Set("anthropic", &Credential{Access: "a", Refresh: "r"})
	_ = store.Set("anthropic:work", &Credential{Access: "b", Refresh: "r"})

	if err := store.Remove("anthropic"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, _ := store.Get("anthropic")
	if got != nil {
		t.Error("credential still present after Remove")
	}
	all, _ := store.All()
	if len(all) != 1 {
		t.Errorf("All() has %d entries, want 1", len(all))
	}
}

func TestFileStore_MCPEntries(t *testing.T) {
	store := newTestFileStore(t)

	entry := &MCPEntry{
		ServerURL:  "https://mcp.example.com/mcp",
		Tokens:     &MCPTokens{Access: "at", Refresh: "rt", TokenEndpoint: "https://auth.example.com/token"},
		ClientInfo: &ClientInfo{ClientID: "dyn-client"},
	}
	if err := store.SetMCP("linear", entry); err != nil {
		t.Fatalf("SetMCP: %v", err)
	}

	// Provider entries and MCP entries share one file.
	if err := store.Set("anthropic", &Credential{Access: "a", Refresh: "r"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := store.GetMCP("linear")
	if err != nil {
		t.Fatalf("GetMCP: %v", err)
	}
	if got == nil || got.ClientInfo.ClientID != "dyn-client" || got.Tokens.Access != "at" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if err := store.RemoveMCP("linear"); err != nil {
		t.Fatalf("RemoveMCP: %v", err)
	}
	got, _ = store.GetMCP("linear")
	if got != nil {
		t.Error("entry still present after RemoveMCP")
	}
	cred, _ := store.Get("anthropic")
	if cred == nil {
		t.Error("provider credential lost when removing MCP entry")
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	store := newTestFileStore(t)

	if err := store.Set("anthropic", &Credential{Access: "a", Refresh: "r"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 600", perm)
	}
	if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	store := newTestFileStore(t)

	if err := os.WriteFile(store.Path(), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("anthropic"); err == nil {
		t.Error("expected parse error for corrupt file")
	}
}
