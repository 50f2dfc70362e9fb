package storage

import (
	"context"
	"testing"

	"github.com/deepresearch/orchestrator/internal/errs"
)

func TestNew_DisabledByDefault(t *testing.T) {
	store, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if store.IsEnabled() {
		t.Error("IsEnabled() = true, want false when Config.Enabled is false")
	}
}

func TestStore_Put_DisabledReturnsClearError(t *testing.T) {
	store, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = store.Put(context.Background(), "file.txt", []byte("content"))
	if err == nil {
		t.Fatal("Put() on a disabled store should error")
	}
	if errs.KindOf(err) != errs.KindStoragePermanent {
		t.Errorf("KindOf(err) = %v, want %v", errs.KindOf(err), errs.KindStoragePermanent)
	}
}

func TestStore_Get_DisabledReturnsClearError(t *testing.T) {
	store, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = store.Get(context.Background(), "attachments/deadbeef/file.txt")
	if err == nil {
		t.Fatal("Get() on a disabled store should error")
	}
	if errs.KindOf(err) != errs.KindStoragePermanent {
		t.Errorf("KindOf(err) = %v, want %v", errs.KindOf(err), errs.KindStoragePermanent)
	}
}
