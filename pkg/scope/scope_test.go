package scope

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newScope(t *testing.T) *Scope {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestScope_SetGetAndHistory(t *testing.T) {
	s := newScope(t)
	var notified []string
	s.Subscribe(func(key string, _ any) {
		notified = append(notified, key)
		// subscribers may read back without deadlocking
		if _, ok := s.Get(key); !ok && key != "gone" {
			t.Errorf("subscriber could not read %s", key)
		}
	})

	if err := s.Set("name", "web"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("count", 3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Set("gone", true)
	s.Delete("gone")

	if v, _ := s.Get("name"); v != "web" {
		t.Errorf("name = %v, want web", v)
	}
	h := s.History()
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
	if h[3].Kind != HistoryDelete || h[3].Key != "gone" {
		t.Errorf("last history entry = %+v", h[3])
	}
	if strings.Join(notified, ",") != "name,count,gone,gone" {
		t.Errorf("notified = %v", notified)
	}
}

func TestScope_PathsAreAbsolute(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub", "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := New(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(KeyCwd, "sub/dir"); err != nil {
		t.Fatalf("Set cwd: %v", err)
	}
	if !filepath.IsAbs(s.Cwd()) {
		t.Errorf("cwd %q not absolute", s.Cwd())
	}
	if got := s.RelCwd(); got != "sub/dir" {
		t.Errorf("RelCwd = %q, want sub/dir", got)
	}
	if err := s.SetCwd(".."); err != nil {
		t.Fatal(err)
	}
	if got := s.RelCwd(); got != "sub" {
		t.Errorf("RelCwd = %q, want sub", got)
	}
	if err := s.SetCwd("missing"); err == nil {
		t.Error("expected error for missing directory")
	}
	if err := s.Set(KeyProjectRoot, "/elsewhere"); err == nil {
		t.Error("expected project_root to be read-only")
	}
	v, _ := s.Get(KeyProjectRoot)
	if p, ok := v.(Path); !ok || !filepath.IsAbs(string(p)) {
		t.Errorf("project_root = %#v", v)
	}
}

func TestScope_ForkIsolation(t *testing.T) {
	parent := newScope(t)
	parent.Set("shared", map[string]any{"n": 1})

	a, b := parent.Fork(), parent.Fork()
	a.Set("result", "a")
	b.Set("result", "b")
	a.Vars()["shared"].(map[string]any)["n"] = 99

	if v, _ := a.Get("result"); v != "a" {
		t.Errorf("branch a sees %v", v)
	}
	if v, _ := b.Get("result"); v != "b" {
		t.Errorf("branch b sees %v", v)
	}
	if _, ok := parent.Get("result"); ok {
		t.Error("fork write leaked into parent")
	}

	a.Vault().Store("aggregate", "from-a")
	if v, ok := b.Vault().Lookup("aggregate"); !ok || v != "from-a" {
		t.Errorf("vault write not shared: %q %v", v, ok)
	}
}

func TestScope_ConcurrentSet(t *testing.T) {
	s := newScope(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set("k", i)
		}(i)
	}
	wg.Wait()
	if len(s.History()) != 50 {
		t.Errorf("history length = %d, want 50", len(s.History()))
	}
}

func TestScope_SnapshotDegradesToString(t *testing.T) {
	s := newScope(t)
	s.Set("ok", []any{"a", 1})
	s.Set("nan", math.NaN())
	s.Set("ch", make(chan int))

	snap := s.Snapshot()
	if _, ok := snap["nan"].(string); !ok {
		t.Errorf("nan = %#v, want string", snap["nan"])
	}
	if _, ok := snap["ch"].(string); !ok {
		t.Errorf("ch = %#v, want string", snap["ch"])
	}

	other := newScope(t)
	other.Restore(snap)
	if v, _ := other.Get("ok"); len(v.([]any)) != 2 {
		t.Errorf("restored ok = %#v", v)
	}
}

func TestScope_SetDoesNotMaskByName(t *testing.T) {
	s := newScope(t)
	s.Set("keyname", "build")
	s.Set("monkey", "banana")

	got := s.Vault().Redact("make build && eat banana")
	if got != "make build && eat banana" {
		t.Errorf("plain bindings masked: %s", got)
	}

	s.Vault().Remember("tok_9f8e7d6c5b4a")
	got = s.Vault().Redact("curl -H 'Bearer tok_9f8e7d6c5b4a' eu-west-1")
	if strings.Contains(got, "tok_9f8e7d6c5b4a") {
		t.Errorf("secret leaked: %s", got)
	}
	if !strings.Contains(got, "eu-west-1") {
		t.Errorf("non-secret masked: %s", got)
	}
}

func TestScope_ResolveSecret(t *testing.T) {
	s := newScope(t)
	s.Vault().RegisterProvider("static", MapProvider{"db": "hunter2-long"})
	v, err := s.ResolveSecret(context.Background(), SecretSource{Provider: "static", Key: "db"})
	if err != nil || v != "hunter2-long" {
		t.Fatalf("ResolveSecret = %q, %v", v, err)
	}
	if s.Vault().Redact("pw=hunter2-long") != "pw="+Mask {
		t.Error("resolved secret not redacted")
	}
	if _, err := s.ResolveSecret(context.Background(), SecretSource{Provider: "nope", Key: "x"}); err == nil {
		t.Error("expected unknown provider error")
	}
}
