package uploads

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	key := "316743844/42/report.pdf"
	ref, err := store.Put(ctx, key, bytes.NewReader([]byte("pdf data")), PutOptions{MimeType: "application/pdf"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Errorf("reference = %q", ref)
	}

	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = (%v, %v), want true", ok, err)
	}

	r, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "pdf data" {
		t.Errorf("data = %q", data)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := store.Exists(ctx, key); ok {
		t.Error("file still exists after delete")
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	for _, key := range []string{"../escape", "/abs/path", "."} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil), PutOptions{}); err == nil {
			t.Errorf("Put(%q) accepted a traversal key", key)
		}
	}
}
