package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseArgsAssignsSlotsByExtension(t *testing.T) {
	got := ParseArgs([]string{"foo.exe", "conf.json", "bar.txt"})
	if got.ExecutablePath != "foo.exe" {
		t.Fatalf("unexpected executable slot: %q", got.ExecutablePath)
	}
	if got.ModelsDatabaseConfigPath != "conf.json" {
		t.Fatalf("unexpected models-db slot: %q", got.ModelsDatabaseConfigPath)
	}
}

func TestParseArgsEmpty(t *testing.T) {
	got := ParseArgs(nil)
	if got.HasTarget() || got.ModelsDatabaseConfigPath != "" {
		t.Fatalf("expected empty slots, got %+v", got)
	}
}

func TestParseArgsLastExecutableWins(t *testing.T) {
	got := ParseArgs([]string{"a.exe", "b.exe"})
	if got.ExecutablePath != "b.exe" {
		t.Fatalf("expected last match to win, got %q", got.ExecutablePath)
	}
}

func TestParseArgsExtensionIsExact(t *testing.T) {
	got := ParseArgs([]string{"upper.EXE", "archive.exe.bak", "settings.jsonc", "dir.json/inner"})
	if got.HasTarget() {
		t.Fatalf("unexpected executable slot: %q", got.ExecutablePath)
	}
	if got.ModelsDatabaseConfigPath != "" {
		t.Fatalf("unexpected models-db slot: %q", got.ModelsDatabaseConfigPath)
	}
}

func TestParseArgsSlotsAreIndependent(t *testing.T) {
	// Every arrangement of the same tokens resolves each slot to its own last match.
	tokens := []string{"one.exe", "one.json", "noise", "two.exe", "x.txt", "two.json"}
	for shift := 0; shift < len(tokens); shift++ {
		rotated := append(append([]string{}, tokens[shift:]...), tokens[:shift]...)
		got := ParseArgs(rotated)
		if want := lastWithExt(rotated, ExecutableExt); got.ExecutablePath != want {
			t.Fatalf("rotation %d: executable=%q want %q", shift, got.ExecutablePath, want)
		}
		if want := lastWithExt(rotated, ModelsDatabaseExt); got.ModelsDatabaseConfigPath != want {
			t.Fatalf("rotation %d: models-db=%q want %q", shift, got.ModelsDatabaseConfigPath, want)
		}
	}
}

func TestParseArgsUnmatchedTokensNeverAffectSlots(t *testing.T) {
	base := []string{"w.exe", "w.json"}
	for i := 0; i < 20; i++ {
		noisy := append([]string{}, base...)
		noisy = append(noisy, fmt.Sprintf("noise-%d.txt", i), strings.Repeat("z", i))
		if got := ParseArgs(noisy); got != ParseArgs(base) {
			t.Fatalf("noise changed slots: %+v", got)
		}
	}
}

func lastWithExt(tokens []string, ext string) string {
	out := ""
	for _, tok := range tokens {
		if strings.HasSuffix(tok, ext) {
			out = tok
		}
	}
	return out
}
