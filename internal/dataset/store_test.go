package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, files map[string]string) *Store {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	store, err := NewStore(root, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestResolveExactPath(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"sales.parquet": "pq",
	})
	ds, err := store.Resolve("sales.parquet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ds.Name != "sales" || ds.Format != "parquet" || ds.RelPath != "sales.parquet" {
		t.Fatalf("dataset: %#v", ds)
	}
}

func TestResolveBareName(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"nested/orders.csv": "a,b\n1,2\n",
	})
	ds, err := store.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ds.RelPath != "nested/orders.csv" || ds.Format != "csv" {
		t.Fatalf("dataset: %#v", ds)
	}
}

func TestResolveTieBreakDeterministic(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"pile/sales.csv": "longest path",
		"b/sales.csv":    "same length as a",
		"a/sales.csv":    "winner",
	})
	// Shortest relative path wins; equal lengths fall back to
	// lexicographic order, so a/sales.csv beats b/sales.csv.
	ds, err := store.Resolve("sales")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ds.RelPath != "a/sales.csv" {
		t.Fatalf("picked %q", ds.RelPath)
	}
}

func TestResolveGlobPattern(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"2025/q1/revenue.parquet": "x",
		"2025/q1/readme.txt":      "not a dataset",
	})
	ds, err := store.Resolve("2025/**/rev*")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ds.RelPath != "2025/q1/revenue.parquet" {
		t.Fatalf("picked %q", ds.RelPath)
	}
}

func TestResolveNotFound(t *testing.T) {
	store := newTestStore(t, map[string]string{"present.csv": "x"})
	_, err := store.Resolve("absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveRejectsEscapingRefs(t *testing.T) {
	store := newTestStore(t, map[string]string{"present.csv": "x"})
	for _, ref := range []string{"../present.csv", "/etc/passwd", "a/../../b.csv", ""} {
		if _, err := store.Resolve(ref); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ref %q: expected ErrNotFound, got %v", ref, err)
		}
	}
}

func TestResolveUnsupportedExtension(t *testing.T) {
	store := newTestStore(t, map[string]string{"data.xlsx": "x"})
	if _, err := store.Resolve("data.xlsx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFingerprintStableAndContentSensitive(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"a.csv": "same content",
		"b.csv": "same content",
		"c.csv": "different content",
	})
	dsA, _ := store.Resolve("a.csv")
	dsB, _ := store.Resolve("b.csv")
	dsC, _ := store.Resolve("c.csv")

	fpA, err := Fingerprint(dsA.Path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fpB, _ := Fingerprint(dsB.Path)
	fpC, _ := Fingerprint(dsC.Path)

	if len(fpA) != 64 {
		t.Fatalf("digest length: %d", len(fpA))
	}
	if fpA != fpB {
		t.Fatalf("identical content, different digests: %s vs %s", fpA, fpB)
	}
	if fpA == fpC {
		t.Fatalf("different content, same digest")
	}
}

func TestCopyForSession(t *testing.T) {
	store := newTestStore(t, map[string]string{"sales.csv": "region,amount\nwest,10\n"})
	ds, err := store.Resolve("sales.csv")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	dir := t.TempDir()
	copied, err := store.CopyForSession(ds, dir)
	if err != nil {
		t.Fatalf("CopyForSession: %v", err)
	}
	if filepath.Dir(copied) != dir {
		t.Fatalf("copy landed in %q", copied)
	}
	raw, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(raw) != "region,amount\nwest,10\n" {
		t.Fatalf("copy content: %q", raw)
	}
}

func TestLoadMeta(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"sales.csv":       "region,amount\n",
		"sales.meta.json": `{"description": "regional sales", "columns": {"amount": "USD"}}`,
		"plain.csv":       "x\n",
		"bad.csv":         "x\n",
		"bad.meta.json":   "{not json",
	})

	ds, _ := store.Resolve("sales.csv")
	meta, ok, err := store.LoadMeta(ds)
	if err != nil || !ok {
		t.Fatalf("LoadMeta: ok=%t err=%v", ok, err)
	}
	if meta.Description != "regional sales" || meta.Columns["amount"] != "USD" {
		t.Fatalf("meta: %#v", meta)
	}

	plain, _ := store.Resolve("plain.csv")
	if _, ok, err := store.LoadMeta(plain); ok || err != nil {
		t.Fatalf("absent sidecar: ok=%t err=%v", ok, err)
	}

	bad, _ := store.Resolve("bad.csv")
	if _, _, err := store.LoadMeta(bad); err == nil {
		t.Fatalf("expected decode error for corrupt sidecar")
	}
}

func TestListFindsSupportedFilesOnly(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"sales.csv":          "a\n",
		"nested/orders.csv":  "b\n",
		"nested/ref.parquet": "pq",
		"notes.txt":          "skip",
		"sales.meta.json":    "{}",
	})
	list, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"nested/orders.csv", "nested/ref.parquet", "sales.csv"}
	if len(list) != len(want) {
		t.Fatalf("list: %#v", list)
	}
	for i, rel := range want {
		if list[i].RelPath != rel {
			t.Fatalf("entry %d: %q, want %q", i, list[i].RelPath, rel)
		}
	}
	if list[1].Format != "parquet" || list[1].Name != "ref" {
		t.Fatalf("entry: %#v", list[1])
	}
}
