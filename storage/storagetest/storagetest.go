// Package storagetest holds the conformance suite every storage.Repository
// implementation runs in its own tests.
package storagetest

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/jmcleod/storyverse/storage"
)

// RunRepositoryTests exercises the storage.Repository contract against repo.
func RunRepositoryTests(t *testing.T, repo storage.Repository) {
	t.Helper()
	ns := "ns1"
	env := storage.RawRecord([]byte(`{"k":"v"}`))

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(ns, "a", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ns, "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Scheme != env.Scheme || !bytes.Equal(got.Ciphertext, env.Ciphertext) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}
	})

	t.Run("GetMissingKey", func(t *testing.T) {
		if _, err := repo.Get(ns, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetMissingNamespace", func(t *testing.T) {
		if _, err := repo.Get("no-such-ns", "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := repo.Put(ns, "ow", storage.RawRecord([]byte("v1"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Put(ns, "ow", storage.RawRecord([]byte("v2"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ns, "ow")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Ciphertext) != "v2" {
			t.Errorf("expected v2, got %s", got.Ciphertext)
		}
	})

	t.Run("List", func(t *testing.T) {
		if err := repo.Put("ns-list", "x", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Put("ns-list", "y", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		keys, err := repo.List("ns-list")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(keys)
		if len(keys) != 2 || keys[0] != "x" || keys[1] != "y" {
			t.Errorf("expected [x y], got %v", keys)
		}
		empty, err := repo.List("ns-empty")
		if err != nil {
			t.Fatalf("List on empty namespace failed: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("expected no keys, got %v", empty)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Put(ns, "del", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Delete(ns, "del"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ns, "del"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := repo.Delete(ns, "never-existed"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
