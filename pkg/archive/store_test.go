package archive

import (
	"context"
	"strings"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	data := []byte("pack contents")
	address, err := store.Store(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(address, "sha256:") {
		t.Fatalf("address must be prefixed: %s", address)
	}

	got, err := store.Get(ctx, address)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("round trip mismatch: %q", got)
	}

	exists, err := store.Exists(ctx, address)
	if err != nil || !exists {
		t.Errorf("stored pack must exist: %v %v", exists, err)
	}
}

func TestFileStoreIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a1, err := store.Store(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	a2, err := store.Store(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Errorf("identical content must share one address: %s vs %s", a1, a2)
	}
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	address, err := store.Store(ctx, []byte("gone soon"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, address); err != nil {
		t.Fatal(err)
	}
	exists, err := store.Exists(ctx, address)
	if err != nil || exists {
		t.Errorf("deleted pack must not exist: %v %v", exists, err)
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, address); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestFileStoreRejectsBadAddress(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, hash := range []string{"", "abcdef", "md5:abcdef", "sha256:zz"} {
		if _, err := store.Get(ctx, hash); err == nil {
			t.Errorf("address %q must be rejected", hash)
		}
		if _, err := store.Exists(ctx, hash); err == nil {
			t.Errorf("address %q must be rejected", hash)
		}
		if err := store.Delete(ctx, hash); err == nil {
			t.Errorf("address %q must be rejected", hash)
		}
	}
}
