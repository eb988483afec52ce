package clients

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegisterAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	reg, err := store.Register("my-cli", []string{"http://localhost/callback"}, []string{"authorization_code"})
	if err != nil {
		t.Fatalf("registering: %v", err)
	}
	if reg.ClientID == "" {
		t.Fatal("expected minted client id")
	}

	got, err := store.Get(reg.ClientID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if diff := cmp.Diff(reg, got); diff != "" {
		t.Errorf("registration mismatch (-want +got):\n%s", diff)
	}
}

func TestGetUnknownClient(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "clients.json"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistrationsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.json")

	first, err := NewStore(path)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	a, err := first.Register("client-a", nil, nil)
	if err != nil {
		t.Fatalf("registering a: %v", err)
	}
	b, err := first.Register("client-b", nil, nil)
	if err != nil {
		t.Fatalf("registering b: %v", err)
	}

	// Simulate a process restart
	second, err := NewStore(path)
	if err != nil {
		t.Fatalf("reloading store: %v", err)
	}
	if second.Len() != 2 {
		t.Fatalf("expected 2 registrations after reload, got %d", second.Len())
	}
	for _, want := range []*Registration{a, b} {
		got, err := second.Get(want.ClientID)
		if err != nil {
			t.Fatalf("getting %s: %v", want.ClientID, err)
		}
		if got.ClientName != want.ClientName {
			t.Errorf("expected name %q, got %q", want.ClientName, got.ClientName)
		}
	}
}
