package memory

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	kv := New()
	ctx := context.Background()

	if err := kv.Set(ctx, "session:abc", []byte(`{"id":"abc"}`), 0); err != nil {
		t.Fatal(err)
	}

	item, err := kv.Get(ctx, "session:abc")
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || string(item.Data) != `{"id":"abc"}` {
		t.Fatalf("got %+v", item)
	}

	if err := kv.Delete(ctx, "session:abc"); err != nil {
		t.Fatal(err)
	}
	item, err = kv.Get(ctx, "session:abc")
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("deleted key still present: %+v", item)
	}
}

func TestMissingKeyIsNilNotError(t *testing.T) {
	kv := New()
	item, err := kv.Get(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("got %+v", item)
	}
}

func TestTTLExpiry(t *testing.T) {
	kv := New()
	ctx := context.Background()

	if err := kv.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	item, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if item == nil {
		t.Fatal("entry expired immediately")
	}

	time.Sleep(20 * time.Millisecond)
	item, err = kv.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("expired entry still present: %+v", item)
	}
}

func TestKeysByPrefix(t *testing.T) {
	kv := New()
	ctx := context.Background()

	for _, k := range []string{"session:a", "session:b", "other:c"} {
		if err := kv.Set(ctx, k, []byte("x"), 0); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := kv.Keys(ctx, "session:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %v", keys)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	kv := New()
	ctx := context.Background()

	if err := kv.Set(ctx, "k", []byte("abc"), 0); err != nil {
		t.Fatal(err)
	}
	item, _ := kv.Get(ctx, "k")
	item.Data[0] = 'X'

	again, _ := kv.Get(ctx, "k")
	if string(again.Data) != "abc" {
		t.Fatalf("stored value mutated: %q", again.Data)
	}
}
