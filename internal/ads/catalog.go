// Package ads maps trigger signals to displayable ad assets. Assets are
// plain image files discovered on disk, grouped by target audience; when
// a group has no assets on disk a generated placeholder stands in so the
// display surface always has something to show.
package ads

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/crowdsense-data/crowdsense/internal/monitoring"
	"github.com/crowdsense-data/crowdsense/internal/security"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// Audience directory names under the catalog root.
const (
	dirMale    = "male"
	dirFemale  = "female"
	dirNeutral = "neutral"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Asset is one displayable ad.
type Asset struct {
	// Name is the asset's identifier, unique within the catalog.
	Name string `json:"name"`

	// Audience is the gender group the asset targets.
	Audience vision.Gender `json:"audience"`

	// Path is the on-disk location, empty for generated placeholders.
	Path string `json:"path,omitempty"`

	// Placeholder data, set only when Path is empty.
	Data []byte `json:"-"`
}

// Catalog holds the discovered assets. Safe for concurrent use; the scan
// happens once at construction.
type Catalog struct {
	mu     sync.Mutex
	rng    *rand.Rand
	assets map[vision.Gender][]Asset
}

// Load scans the catalog root for assets. A missing root or empty group
// is not an error; those groups fall back to placeholders. Nested
// directories are not searched.
func Load(root string, rng *rand.Rand) (*Catalog, error) {
	if rng == nil {
		return nil, fmt.Errorf("ads: rng is required")
	}
	c := &Catalog{
		rng:    rng,
		assets: make(map[vision.Gender][]Asset),
	}

	groups := map[string]vision.Gender{
		dirMale:    vision.GenderMale,
		dirFemale:  vision.GenderFemale,
		dirNeutral: vision.GenderUnknown,
	}
	for dir, audience := range groups {
		assets, err := scanDir(root, filepath.Join(root, dir), audience)
		if err != nil {
			return nil, err
		}
		if len(assets) == 0 {
			assets = []Asset{placeholder(audience)}
			monitoring.Logf("[Ads] no %s assets under %s, using placeholder", dir, root)
		}
		c.assets[audience] = assets
	}
	return c, nil
}

func scanDir(root, dir string, audience vision.Gender) ([]Asset, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ad directory %q: %w", dir, err)
	}

	var assets []Asset
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		// A symlinked entry pointing outside the catalog root would let
		// the stats surface expose arbitrary files.
		if err := security.ValidatePathWithinDirectory(filepath.Join(dir, e.Name()), root); err != nil {
			monitoring.Logf("[Ads] skipping %s: %v", e.Name(), err)
			continue
		}
		assets = append(assets, Asset{
			Name:     fmt.Sprintf("%s/%s", audience, e.Name()),
			Audience: audience,
			Path:     filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })
	return assets, nil
}

// placeholder builds a generated solid-color card for an audience with no
// assets on disk.
func placeholder(audience vision.Gender) Asset {
	fill := map[vision.Gender]color.RGBA{
		vision.GenderMale:    vision.ColorMale,
		vision.GenderFemale:  vision.ColorFemale,
		vision.GenderUnknown: vision.ColorUnknown,
	}[audience]

	img := image.NewRGBA(image.Rect(0, 0, 640, 360))
	draw.Draw(img, img.Bounds(), &image.Uniform{fill}, image.Point{}, draw.Src)
	data, err := vision.EncodeJPEG(img, 80)
	if err != nil {
		// Encoding a solid in-memory image cannot fail at runtime.
		panic(fmt.Sprintf("ads: placeholder encode: %v", err))
	}
	return Asset{
		Name:     fmt.Sprintf("%s/placeholder", audience),
		Audience: audience,
		Data:     data,
	}
}

// Select picks a random asset for the given audience. Audiences without
// dedicated assets, including unknown, fall back to the neutral group.
func (c *Catalog) Select(audience vision.Gender) Asset {
	c.mu.Lock()
	defer c.mu.Unlock()

	group := c.assets[audience]
	if len(group) == 0 {
		group = c.assets[vision.GenderUnknown]
	}
	return group[c.rng.Intn(len(group))]
}

// Assets returns every discovered asset, grouped order, for the stats
// surface.
func (c *Catalog) Assets() []Asset {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Asset
	for _, audience := range []vision.Gender{vision.GenderMale, vision.GenderFemale, vision.GenderUnknown} {
		out = append(out, c.assets[audience]...)
	}
	return out
}
