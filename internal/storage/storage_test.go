package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLocalReadWriteList(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	files := map[string]string{
		"jobs/j1/mr-0-1-1": "one",
		"jobs/j1/mr-0-0-1": "zero",
		"jobs/j2/mr-0-0-1": "other",
		"input.txt":        "a a b\n",
	}
	for p, data := range files {
		if err := st.Write(p, []byte(data)); err != nil {
			t.Fatalf("Write %s failed: %v", p, err)
		}
	}

	got, err := st.Read("jobs/j1/mr-0-0-1")
	if err != nil || string(got) != "zero" {
		t.Fatalf("Read returned %q, %v", got, err)
	}

	listed, err := st.List("jobs/j1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"jobs/j1/mr-0-0-1", "jobs/j1/mr-0-1-1"}
	if fmt.Sprint(listed) != fmt.Sprint(want) {
		t.Fatalf("List = %v, want %v", listed, want)
	}

	if !st.Exists("input.txt") || st.Exists("missing.txt") || st.Exists("jobs") {
		t.Fatalf("Exists misreported")
	}
}

func TestLocalReadMissing(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	if _, err := st.Read("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalPathsStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	st, err := NewLocal(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	if err := st.Write("../escape.txt", []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err == nil {
		t.Fatalf("write escaped the storage root")
	}
	if !st.Exists("escape.txt") {
		t.Fatalf("cleaned path should land under the root")
	}
}

// Concurrent writers of the same path never leave a torn file or temp files behind.
func TestLocalConcurrentReplace(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	payloads := []string{strings.Repeat("a", 1<<16), strings.Repeat("b", 1<<16)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := st.Write("shared/part", []byte(payloads[i%2])); err != nil {
				t.Errorf("Write failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := st.Read("shared/part")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != payloads[0] && string(got) != payloads[1] {
		t.Fatalf("torn file of length %d", len(got))
	}

	entries, err := os.ReadDir(filepath.Join(st.Root(), "shared"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "part" {
		t.Fatalf("temp files leaked: %v", entries)
	}
}

func TestLocalWriteReplacesContent(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	for _, data := range []string{"first version", "v2"} {
		if err := st.Write("out/mr-out-0", []byte(data)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	got, err := st.Read("out/mr-out-0")
	if err != nil || string(got) != "v2" {
		t.Fatalf("Read returned %q, %v", got, err)
	}

	if err := os.WriteFile(filepath.Join(st.Root(), "out", ".mr-out-1.partial"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	listed, err := st.List("out/")
	if err != nil || len(listed) != 1 {
		t.Fatalf("List should skip in-flight temp files: %v, %v", listed, err)
	}
}

func TestMemoryFailWrites(t *testing.T) {
	st := NewMemory()
	st.FailWrites = "out/"

	if err := st.Write("in/a", []byte("x")); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if err := st.Write("out/a", []byte("x")); err == nil {
		t.Fatalf("expected injected failure")
	}
	if st.Exists("out/a") {
		t.Fatalf("failed write became visible")
	}
}
