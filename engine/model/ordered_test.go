package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestOrderedMapPreservesInsertionOrder(t *testing.T) {
	var m OrderedMap[int]
	m.Set("zebra", 1)
	m.Set("alpha", 2)
	m.Set("mike", 3)

	if got := m.Keys(); !reflect.DeepEqual(got, []string{"zebra", "alpha", "mike"}) {
		t.Fatalf("unexpected key order: %v", got)
	}

	// replacing keeps the position
	m.Set("alpha", 20)
	if got := m.Keys(); !reflect.DeepEqual(got, []string{"zebra", "alpha", "mike"}) {
		t.Fatalf("unexpected key order after replace: %v", got)
	}
	if v, _ := m.Get("alpha"); v != 20 {
		t.Fatalf("expected replaced value, got %d", v)
	}
}

func TestOrderedMapJSONRoundTrip(t *testing.T) {
	var m OrderedMap[string]
	m.Set("b", "1")
	m.Set("a", "2")
	m.Set("c", "3")

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"b":"1","a":"2","c":"3"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var out OrderedMap[string]
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out.Keys(), []string{"b", "a", "c"}) {
		t.Fatalf("unexpected key order after round trip: %v", out.Keys())
	}
}

func TestOrderedMapDelete(t *testing.T) {
	var m OrderedMap[int]
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	m.Delete("b")
	if got := m.Keys(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("unexpected keys after delete: %v", got)
	}
	if _, ok := m.Get("b"); ok {
		t.Fatal("deleted key still present")
	}

	// deleting a missing key is a no-op
	m.Delete("missing")
	if m.Len() != 2 {
		t.Fatalf("unexpected length: %d", m.Len())
	}
}

func TestOrderedMapIsZero(t *testing.T) {
	var m OrderedMap[int]
	if !m.IsZero() {
		t.Fatal("empty map should be zero")
	}
	m.Set("a", 1)
	if m.IsZero() {
		t.Fatal("non-empty map should not be zero")
	}
}
