package groups

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"marmot-chat/go-cli/internal/engine"
	"marmot-chat/go-cli/internal/testutil/enginefake"
)

func mustBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func fixedGroups(t *testing.T) []engine.GroupState {
	t.Helper()
	return []engine.GroupState{
		{GroupID: mustBytes(t, "aa110000"), WireID: mustBytes(t, "11110000"), Name: "design"},
		{GroupID: mustBytes(t, "aa220000"), WireID: mustBytes(t, "22220000"), Name: "ops"},
		{GroupID: mustBytes(t, "bb330000"), WireID: mustBytes(t, "33330000"), Name: "random"},
	}
}

func TestResolveUniquePrefix(t *testing.T) {
	handle, err := ResolveIn(fixedGroups(t), "aa11")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if handle.State.Name != "design" {
		t.Fatalf("resolved %q, want design", handle.State.Name)
	}
	if handle.IDHex() != "aa110000" {
		t.Fatalf("id hex = %s", handle.IDHex())
	}
}

func TestResolveMatchesWireID(t *testing.T) {
	handle, err := ResolveIn(fixedGroups(t), "3333")
	if err != nil {
		t.Fatalf("resolve by wire id: %v", err)
	}
	if handle.State.Name != "random" {
		t.Fatalf("resolved %q, want random", handle.State.Name)
	}
	if handle.WireHex() != "33330000" {
		t.Fatalf("wire hex = %s", handle.WireHex())
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	handle, err := ResolveIn(fixedGroups(t), "BB33")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if handle.State.Name != "random" {
		t.Fatalf("resolved %q", handle.State.Name)
	}
}

func TestResolveNotFound(t *testing.T) {
	_, err := ResolveIn(fixedGroups(t), "zz")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("err = %v, want ErrGroupNotFound", err)
	}
	if !strings.Contains(err.Error(), "zz") {
		t.Fatalf("error %q does not name the input", err)
	}
}

func TestResolveEmptyPrefix(t *testing.T) {
	if _, err := ResolveIn(fixedGroups(t), "  "); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("err = %v, want ErrGroupNotFound", err)
	}
}

func TestResolveAmbiguousListsCandidates(t *testing.T) {
	_, err := ResolveIn(fixedGroups(t), "aa")
	if !errors.Is(err, ErrAmbiguousGroup) {
		t.Fatalf("err = %v, want ErrAmbiguousGroup", err)
	}
	msg := err.Error()
	for _, want := range []string{"aa110000", "aa220000", "design", "ops", "longer prefix"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("ambiguity error %q missing %q", msg, want)
		}
	}
	if strings.Contains(msg, "random") {
		t.Fatal("ambiguity error lists a non-matching group")
	}
}

func TestResolverAgainstEngine(t *testing.T) {
	eng := enginefake.New()
	seeded := eng.AddGroupWithIDs("design", mustBytes(t, "cafe0000"), mustBytes(t, "feed0000"))

	handle, err := NewResolver(eng).Resolve("cafe")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if hex.EncodeToString(handle.GroupID()) != hex.EncodeToString(seeded.GroupID) {
		t.Fatal("resolver returned a different group")
	}
}
