// Package catalog loads and validates the roles, outfits and loop assets a
// stage session is built from.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"gopkg.in/yaml.v3"
)

// Integrity tags errors raised when the catalog's cross references are broken.
const Integrity ftag.Kind = "CATALOG_INTEGRITY"

// DefaultBPM is used when the loops file does not declare a project tempo.
const DefaultBPM = 140

type RoleDef struct {
	ID              string `yaml:"id" json:"id"`
	DisplayName     string `yaml:"displayName" json:"displayName"`
	Category        string `yaml:"category" json:"category"`
	MaxInstances    int    `yaml:"maxInstances" json:"maxInstances"`
	DefaultOutfitID string `yaml:"defaultOutfitId" json:"defaultOutfitId"`
}

type Visual struct {
	Sprite string `yaml:"sprite" json:"sprite"`
}

type AnimationPreset struct {
	Idle       string `yaml:"idle" json:"idle"`
	Performing string `yaml:"performing" json:"performing"`
	Transition string `yaml:"transition" json:"transition"`
	Accent     string `yaml:"accent" json:"accent"`
}

// OutfitDef is a look for one role. LoopAssetID is empty for visual-only
// outfits.
type OutfitDef struct {
	ID              string          `yaml:"id" json:"id"`
	RoleID          string          `yaml:"roleId" json:"roleId"`
	LoopAssetID     string          `yaml:"loopAssetId" json:"loopAssetId,omitempty"`
	Energy          float64         `yaml:"energy" json:"energy"`
	Visual          Visual          `yaml:"visual" json:"visual"`
	AnimationPreset AnimationPreset `yaml:"animationPreset" json:"animationPreset"`
}

type LoopAssetDef struct {
	ID           string   `yaml:"id" json:"id"`
	Category     string   `yaml:"category" json:"category"`
	File         string   `yaml:"file" json:"file"`
	Bars         int      `yaml:"bars" json:"bars"`
	GainDb       float64  `yaml:"gainDb" json:"gainDb"`
	Tags         []string `yaml:"tags" json:"tags,omitempty"`
	SentenceHook bool     `yaml:"sentenceHook" json:"sentenceHook,omitempty"`
	Text         string   `yaml:"text" json:"text,omitempty"`
}

type rolesFile struct {
	Version int       `yaml:"version"`
	Roles   []RoleDef `yaml:"roles"`
}

type outfitsFile struct {
	Version int         `yaml:"version"`
	Outfits []OutfitDef `yaml:"outfits"`
}

type loopsFile struct {
	Version    int            `yaml:"version"`
	ProjectBPM float64        `yaml:"projectBpm"`
	Loops      []LoopAssetDef `yaml:"loops"`
}

// Lookup resolves catalog ids. Both *Catalog and *Registry implement it.
type Lookup interface {
	Role(id string) (RoleDef, bool)
	Outfit(id string) (OutfitDef, bool)
	Loop(id string) (LoopAssetDef, bool)
}

// Catalog is an immutable, validated set of definitions.
type Catalog struct {
	ProjectBPM float64

	roles   map[string]RoleDef
	outfits map[string]OutfitDef
	loops   map[string]LoopAssetDef

	roleOrder []string
}

// New builds a catalog from definitions and validates it.
func New(projectBPM float64, roles []RoleDef, outfits []OutfitDef, loops []LoopAssetDef) (*Catalog, error) {
	if projectBPM <= 0 {
		projectBPM = DefaultBPM
	}
	c := &Catalog{
		ProjectBPM: projectBPM,
		roles:      make(map[string]RoleDef, len(roles)),
		outfits:    make(map[string]OutfitDef, len(outfits)),
		loops:      make(map[string]LoopAssetDef, len(loops)),
	}

	var problems []error
	for _, r := range roles {
		if _, dup := c.roles[r.ID]; dup {
			problems = append(problems, fmt.Errorf("duplicate role id %q", r.ID))
			continue
		}
		c.roles[r.ID] = r
		c.roleOrder = append(c.roleOrder, r.ID)
	}
	for _, o := range outfits {
		if _, dup := c.outfits[o.ID]; dup {
			problems = append(problems, fmt.Errorf("duplicate outfit id %q", o.ID))
			continue
		}
		c.outfits[o.ID] = o
	}
	for _, l := range loops {
		if _, dup := c.loops[l.ID]; dup {
			problems = append(problems, fmt.Errorf("duplicate loop id %q", l.ID))
			continue
		}
		c.loops[l.ID] = l
	}

	problems = append(problems, c.validate()...)
	if len(problems) > 0 {
		return nil, fault.Wrap(errors.Join(problems...),
			ftag.With(Integrity),
			fmsg.WithDesc("catalog: integrity check failed",
				fmt.Sprintf("Catalog is inconsistent (%d problem(s)); the stage cannot start.", len(problems))))
	}
	return c, nil
}

func (c *Catalog) validate() []error {
	var problems []error

	for _, id := range c.roleOrder {
		role := c.roles[id]
		if role.MaxInstances < 1 {
			problems = append(problems, fmt.Errorf("role %s maxInstances must be at least 1", role.ID))
		}
		def, ok := c.outfits[role.DefaultOutfitID]
		if !ok {
			problems = append(problems, fmt.Errorf("role %s defaultOutfitId not found: %s", role.ID, role.DefaultOutfitID))
			continue
		}
		if def.RoleID != role.ID {
			problems = append(problems, fmt.Errorf("default outfit roleId mismatch for role %s", role.ID))
		}
	}

	for _, id := range sortedKeys(c.outfits) {
		outfit := c.outfits[id]
		role, ok := c.roles[outfit.RoleID]
		if !ok {
			problems = append(problems, fmt.Errorf("outfit %s references missing roleId: %s", outfit.ID, outfit.RoleID))
			continue
		}
		if outfit.LoopAssetID == "" {
			continue
		}
		loop, ok := c.loops[outfit.LoopAssetID]
		if !ok {
			problems = append(problems, fmt.Errorf("outfit %s references missing loopAssetId: %s", outfit.ID, outfit.LoopAssetID))
			continue
		}
		if loop.Category != role.Category {
			problems = append(problems, fmt.Errorf("outfit %s loop category mismatch: role.category=%s, loop.category=%s",
				outfit.ID, role.Category, loop.Category))
		}
	}

	for _, id := range sortedKeys(c.loops) {
		loop := c.loops[id]
		switch loop.Bars {
		case 1, 2, 4, 8:
		default:
			problems = append(problems, fmt.Errorf("loop %s bars must be 1, 2, 4 or 8, got %d", loop.ID, loop.Bars))
		}
		if loop.File == "" {
			problems = append(problems, fmt.Errorf("loop %s has no file", loop.ID))
		}
	}
	return problems
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Catalog) Role(id string) (RoleDef, bool) {
	r, ok := c.roles[id]
	return r, ok
}

func (c *Catalog) Outfit(id string) (OutfitDef, bool) {
	o, ok := c.outfits[id]
	return o, ok
}

func (c *Catalog) Loop(id string) (LoopAssetDef, bool) {
	l, ok := c.loops[id]
	return l, ok
}

// Roles returns roles in file order.
func (c *Catalog) Roles() []RoleDef {
	out := make([]RoleDef, 0, len(c.roleOrder))
	for _, id := range c.roleOrder {
		out = append(out, c.roles[id])
	}
	return out
}

// OutfitsForRole returns the role's outfits sorted by id.
func (c *Catalog) OutfitsForRole(roleID string) []OutfitDef {
	var out []OutfitDef
	for _, id := range sortedKeys(c.outfits) {
		if o := c.outfits[id]; o.RoleID == roleID {
			out = append(out, o)
		}
	}
	return out
}

// Loops returns all loops sorted by id.
func (c *Catalog) Loops() []LoopAssetDef {
	out := make([]LoopAssetDef, 0, len(c.loops))
	for _, id := range sortedKeys(c.loops) {
		out = append(out, c.loops[id])
	}
	return out
}

// Load reads roles, outfits and loops from dir. Each file may be YAML or JSON
// (.yaml, .yml or .json).
func Load(dir string) (*Catalog, error) {
	var roles rolesFile
	if err := loadFile(dir, "roles", &roles); err != nil {
		return nil, err
	}
	var outfits outfitsFile
	if err := loadFile(dir, "outfits", &outfits); err != nil {
		return nil, err
	}
	var loops loopsFile
	if err := loadFile(dir, "loops", &loops); err != nil {
		return nil, err
	}
	return New(loops.ProjectBPM, roles.Roles, outfits.Outfits, loops.Loops)
}

func loadFile(dir, base string, into any) error {
	path, err := findFile(dir, base)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(err, fmsg.With(fmt.Sprintf("catalog: load %s", path)))
	}
	if len(data) == 0 {
		return fault.New(fmt.Sprintf("catalog: %s is empty", path),
			ftag.With(Integrity),
			fmsg.WithDesc("empty catalog file", fmt.Sprintf("Catalog file %s is empty.", filepath.Base(path))))
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fault.Wrap(err,
			ftag.With(Integrity),
			fmsg.WithDesc(fmt.Sprintf("catalog: unmarshal %s", path),
				fmt.Sprintf("Catalog file %s is not valid YAML or JSON.", filepath.Base(path))))
	}
	return nil
}

func findFile(dir, base string) (string, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		p := filepath.Join(dir, base+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fault.New(fmt.Sprintf("catalog: no %s file in %s", base, dir),
		ftag.With(ftag.NotFound),
		fmsg.WithDesc("catalog file missing", fmt.Sprintf("Catalog is missing %s.yaml.", base)))
}
