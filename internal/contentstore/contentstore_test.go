package contentstore_test

import (
	"testing"

	"earshot/internal/contentstore"
)

func TestKeyIsStable(t *testing.T) {
	a := contentstore.Key(1, "https://cdn.test/u")
	b := contentstore.Key(1, "https://cdn.test/u")
	if a != b {
		t.Fatal("expected deterministic key")
	}
	if a == contentstore.Key(2, "https://cdn.test/u") {
		t.Fatal("transcript id must participate in the key")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	st, err := contentstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := contentstore.Key(1, "https://cdn.test/u")
	if st.Has(key) {
		t.Fatal("fresh store should not have content")
	}

	path, err := st.Write(key, "transcript text")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if path != st.Path(key) {
		t.Fatalf("unexpected path %s", path)
	}
	if !st.Has(key) {
		t.Fatal("content not visible after write")
	}

	content, err := st.Read(key)
	if err != nil || content != "transcript text" {
		t.Fatalf("Read = %q, %v", content, err)
	}

	// Overwrite replaces atomically.
	if _, err := st.Write(key, "updated"); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	content, _ = st.Read(key)
	if content != "updated" {
		t.Fatalf("expected updated content, got %q", content)
	}
}
