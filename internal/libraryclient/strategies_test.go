package libraryclient

import (
	"context"
	"os"
	"testing"
)

func TestIntegrateNewBookAlwaysUsesPlainAddRegardlessOfMode(t *testing.T) {
	dir := t.TempDir()
	writeEpub(t, dir, "story.epub")
	s := &scriptedExec{outs: []string{"Added book ids: 1\n"}}
	c := newTestClient(s)

	id, err := Integrate(context.Background(), c, ModePreserveMetadata, "", dir)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if id != "1" {
		t.Fatalf("want id 1, got %q", id)
	}
	if len(s.calls) != 1 || s.calls[0][0] != "add" {
		t.Fatalf("want a single plain add call, got %v", s.calls)
	}
}

func TestIntegrateAddFormatReplacesFileInPlace(t *testing.T) {
	dir := t.TempDir()
	writeEpub(t, dir, "story.epub")
	s := &scriptedExec{outs: []string{""}}
	c := newTestClient(s)

	id, err := Integrate(context.Background(), c, ModeAddFormat, "42", dir)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if id != "42" {
		t.Fatalf("want the same library id preserved, got %q", id)
	}
	if len(s.calls) != 1 || s.calls[0][0] != "add_format" {
		t.Fatalf("want a single add_format call, got %v", s.calls)
	}
}

func TestIntegrateRemoveAddReplacesTheBook(t *testing.T) {
	dir := t.TempDir()
	writeEpub(t, dir, "story.epub")
	s := &scriptedExec{outs: []string{"", "Added book ids: 7\n"}}
	c := newTestClient(s)

	id, err := Integrate(context.Background(), c, ModeRemoveAdd, "42", dir)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if id != "7" {
		t.Fatalf("want new id 7, got %q", id)
	}
	if len(s.calls) != 2 || s.calls[0][0] != "remove" || s.calls[1][0] != "add" {
		t.Fatalf("want remove then add, got %v", s.calls)
	}
}

func TestIntegratePreserveMetadataExportsRemovesAddsAndRestores(t *testing.T) {
	dir := t.TempDir()
	writeEpub(t, dir, "story.epub")
	s := &scriptedExec{outs: []string{
		`[{"#series": "Foo"}]`, // Metadata
		"",                     // Remove
		"Added book ids: 9\n",  // Add
		"",                     // RestoreMetadata: set_custom #series
	}}
	c := newTestClient(s)

	id, err := Integrate(context.Background(), c, ModePreserveMetadata, "42", dir)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if id != "9" {
		t.Fatalf("want new id 9, got %q", id)
	}
	if len(s.calls) != 4 {
		t.Fatalf("want 4 calls (metadata, remove, add, restore), got %d: %v", len(s.calls), s.calls)
	}
	if s.calls[3][0] != "set_custom" {
		t.Fatalf("want final call to restore metadata, got %v", s.calls[3])
	}
}

func TestIntegratePreserveMetadataSkipsRestoreWhenNoCustomFields(t *testing.T) {
	dir := t.TempDir()
	writeEpub(t, dir, "story.epub")
	s := &scriptedExec{outs: []string{
		`[{}]`,
		"",
		"Added book ids: 9\n",
	}}
	c := newTestClient(s)

	if _, err := Integrate(context.Background(), c, ModePreserveMetadata, "42", dir); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if len(s.calls) != 3 {
		t.Fatalf("want 3 calls with no restore step, got %d: %v", len(s.calls), s.calls)
	}
}

func TestIntegrateRemoveAddPropagatesRemoveFailure(t *testing.T) {
	dir := t.TempDir()
	writeEpub(t, dir, "story.epub")
	s := &scriptedExec{errs: []error{os.ErrInvalid}}
	c := newTestClient(s)

	if _, err := Integrate(context.Background(), c, ModeRemoveAdd, "42", dir); err == nil {
		t.Fatal("expected remove failure to propagate")
	}
	if len(s.calls) != 1 {
		t.Fatalf("want add to be skipped after remove failure, got %d calls", len(s.calls))
	}
}
