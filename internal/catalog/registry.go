package catalog

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Registry holds the live catalog. Readers always see one complete, validated
// catalog; Replace swaps it atomically.
type Registry struct {
	cur atomic.Pointer[Catalog]
}

// NewRegistry returns a registry serving c.
func NewRegistry(c *Catalog) *Registry {
	r := &Registry{}
	r.cur.Store(c)
	return r
}

// Current returns the catalog in effect.
func (r *Registry) Current() *Catalog {
	return r.cur.Load()
}

// Replace installs a new catalog.
func (r *Registry) Replace(c *Catalog) {
	if c != nil {
		r.cur.Store(c)
	}
}

// Roles returns the current catalog's roles in file order.
func (r *Registry) Roles() []RoleDef {
	return r.Current().Roles()
}

func (r *Registry) Role(id string) (RoleDef, bool) {
	return r.Current().Role(id)
}

func (r *Registry) Outfit(id string) (OutfitDef, bool) {
	return r.Current().Outfit(id)
}

func (r *Registry) Loop(id string) (LoopAssetDef, bool) {
	return r.Current().Loop(id)
}

// Reload loads dir and installs it if it validates. On failure the previous
// catalog stays in effect.
func (r *Registry) Reload(dir string) error {
	c, err := Load(dir)
	if err != nil {
		return err
	}
	r.Replace(c)
	return nil
}

// Follow reloads the catalog whenever w reports a change, until ctx is done or
// the watcher closes. report receives reload and watcher errors.
func (r *Registry) Follow(ctx context.Context, w *Watcher, dir string, log logrus.FieldLogger, report func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-w.Events:
			if !ok {
				return
			}
			if err := r.Reload(dir); err != nil {
				log.WithError(err).WithField("file", name).Warn("catalog reload rejected")
				if report != nil {
					report(err)
				}
				continue
			}
			c := r.Current()
			log.WithFields(logrus.Fields{"file": name, "roles": len(c.roles), "outfits": len(c.outfits), "loops": len(c.loops)}).
				Info("catalog reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("catalog watcher error")
			if report != nil {
				report(err)
			}
		}
	}
}
