package types

import (
	"testing"
)

func TestItemRecordCarriesProvenanceWithoutCollisions(t *testing.T) {
	it := NewItem("https://example.com/product/1")
	it.Label = "detail"
	it.Depth = 2
	it.Set("title", "Widget")
	it.Set("_url", "should-not-survive") // provenance keys win

	rec := it.Record()
	if rec["title"] != "Widget" {
		t.Fatalf("expected the extracted field to survive, got %v", rec["title"])
	}
	if rec["_url"] != "https://example.com/product/1" {
		t.Fatalf("expected provenance _url to override the field, got %v", rec["_url"])
	}
	if rec["_label"] != "detail" || rec["_depth"] != 2 {
		t.Fatalf("expected label/depth provenance, got label=%v depth=%v", rec["_label"], rec["_depth"])
	}
}

func TestItemCloneIsIndependent(t *testing.T) {
	it := NewItem("https://example.com/a")
	it.Set("k", "v")

	clone := it.Clone()
	clone.Set("k", "changed")

	if it.GetString("k") != "v" {
		t.Fatal("mutating the clone leaked into the original")
	}
}
