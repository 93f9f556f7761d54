package ads

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/crowdsense-data/crowdsense/internal/vision"
)

func writeAsset(t *testing.T, root, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, dir, name), []byte("not really a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func TestLoadScansAudienceDirectories(t *testing.T) {
	root := t.TempDir()
	writeAsset(t, root, "male", "watches.jpg")
	writeAsset(t, root, "male", "razors.png")
	writeAsset(t, root, "female", "perfume.jpg")
	writeAsset(t, root, "neutral", "coffee.jpg")
	// Non-image files are ignored.
	writeAsset(t, root, "male", "notes.txt")

	c, err := Load(root, testRNG())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	all := c.Assets()
	byAudience := make(map[vision.Gender]int)
	for _, a := range all {
		byAudience[a.Audience]++
		if a.Path == "" {
			t.Errorf("scanned asset %s has no path", a.Name)
		}
	}
	if byAudience[vision.GenderMale] != 2 {
		t.Errorf("male assets = %d, want 2", byAudience[vision.GenderMale])
	}
	if byAudience[vision.GenderFemale] != 1 {
		t.Errorf("female assets = %d, want 1", byAudience[vision.GenderFemale])
	}
	if byAudience[vision.GenderUnknown] != 1 {
		t.Errorf("neutral assets = %d, want 1", byAudience[vision.GenderUnknown])
	}
}

func TestMissingGroupsGetPlaceholders(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), testRNG())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, audience := range []vision.Gender{vision.GenderMale, vision.GenderFemale, vision.GenderUnknown} {
		a := c.Select(audience)
		if a.Audience != audience {
			t.Errorf("Select(%s).Audience = %s", audience, a.Audience)
		}
		if len(a.Data) == 0 {
			t.Errorf("placeholder for %s has no data", audience)
		}
		if a.Path != "" {
			t.Errorf("placeholder for %s has a path: %s", audience, a.Path)
		}
	}
}

func TestSelectMatchesAudience(t *testing.T) {
	root := t.TempDir()
	writeAsset(t, root, "male", "a.jpg")
	writeAsset(t, root, "male", "b.jpg")
	writeAsset(t, root, "female", "c.jpg")

	c, err := Load(root, testRNG())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i := 0; i < 20; i++ {
		if a := c.Select(vision.GenderMale); a.Audience != vision.GenderMale {
			t.Fatalf("Select(male) returned %s asset", a.Audience)
		}
		if a := c.Select(vision.GenderFemale); a.Audience != vision.GenderFemale {
			t.Fatalf("Select(female) returned %s asset", a.Audience)
		}
	}
}

func TestSelectUnknownFallsBackToNeutral(t *testing.T) {
	root := t.TempDir()
	writeAsset(t, root, "neutral", "coffee.jpg")

	c, err := Load(root, testRNG())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	a := c.Select(vision.GenderUnknown)
	if a.Audience != vision.GenderUnknown {
		t.Errorf("Select(unknown).Audience = %s", a.Audience)
	}
	if a.Name != "unknown/coffee.jpg" {
		t.Errorf("Select(unknown).Name = %s, want the neutral asset", a.Name)
	}
}

func TestSymlinkedAssetOutsideRootSkipped(t *testing.T) {
	outside := t.TempDir()
	target := filepath.Join(outside, "secret.jpg")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	writeAsset(t, root, "male", "ok.jpg")
	if err := os.Symlink(target, filepath.Join(root, "male", "leak.jpg")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	c, err := Load(root, testRNG())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, a := range c.Assets() {
		if a.Name == "male/leak.jpg" {
			t.Error("symlinked asset outside root was loaded")
		}
	}
}

func TestLoadRequiresRNG(t *testing.T) {
	if _, err := Load(t.TempDir(), nil); err == nil {
		t.Fatal("Load accepted a nil rng")
	}
}
