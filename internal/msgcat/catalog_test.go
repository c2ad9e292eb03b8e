package msgcat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTexts(t *testing.T) {
	c := Default()
	cases := map[string]string{
		KeyWaiting:    "Waiting for opponent",
		KeyInProgress: "Game in progress",
		KeyStarted:    "Game started",
		KeyOver:       "Game Over",
		KeyDraw:       "Draw agreed",
	}
	for key, want := range cases {
		got, err := c.Render(key, nil)
		if err != nil || got != want {
			t.Fatalf("Render(%s) = %q, %v; want %q", key, got, err, want)
		}
	}
	got, err := c.Render(KeyResignation, map[string]string{"Winner": "BLACK"})
	if err != nil || got != "BLACK wins by resignation" {
		t.Fatalf("resignation text = %q, %v", got, err)
	}
}

func TestMissingDataFallsBack(t *testing.T) {
	c := Default()
	if _, err := c.Render(KeyResignation, map[string]string{}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if got := c.Text("no.such.key", nil, "fallback"); got != "fallback" {
		t.Fatalf("Text fallback = %q", got)
	}
	var nilCat *Catalog
	if got := nilCat.Text(KeyOver, nil, "Game Over"); got != "Game Over" {
		t.Fatalf("nil catalog fallback = %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("game:\n  over: \"Partie terminée\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, _ := c.Render(KeyOver, nil); got != "Partie terminée" {
		t.Fatalf("override not applied: %q", got)
	}
	if got, _ := c.Render(KeyWaiting, nil); got != "Waiting for opponent" {
		t.Fatalf("non-overridden key changed: %q", got)
	}
}

func TestOverrideDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("game:\n  over: x\n"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "b.yml"), []byte("game:\n  over: y\n"), 0o644)
	if _, err := New(dir); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}
