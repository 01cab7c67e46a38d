package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectKeepsFirstWrite(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	if _, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader([]byte("other"))); err != nil {
		t.Fatalf("second PutObject() error = %v", err)
	}

	got, ok := store.Get("path/page.html")
	if !ok || string(got) != "content" {
		t.Fatalf("expected first write to be kept, got %q (found=%v)", got, ok)
	}
	got[0] = 'C'
	again, _ := store.Get("path/page.html")
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one object, got %d", store.Len())
	}
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewBlobStore().PutObject(context.Background(), " ", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}
