// Package skills registers named tool bundles into the tool registry once at
// startup and keeps a catalog of what each bundle added.
package skills

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/cellagent/cellagent/internal/store"
	"github.com/cellagent/cellagent/internal/tools"
)

// PublishFunc carries out the external action of a confirmed draft.
type PublishFunc func(ctx context.Context, d *store.Draft) (map[string]any, error)

// Skill is a loadable tool bundle.
type Skill struct {
	Name        string
	Version     string
	Description string
	Triggers    []string
	Register    func(r *tools.Registry)
	// Publishers maps draft types to the action run when such a draft is approved.
	Publishers map[string]PublishFunc
}

// Info describes a loaded skill.
type Info struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Triggers    []string `json:"triggers"`
	Tools       []string `json:"tools"`
}

// Loader loads skills exactly once per process.
type Loader struct {
	mu         sync.Mutex
	skills     []Skill
	loaded     bool
	infos      []Info
	publishers map[string]PublishFunc
}

// NewLoader creates a Loader for the given skills.
func NewLoader(skills ...Skill) *Loader {
	return &Loader{skills: skills, publishers: make(map[string]PublishFunc)}
}

// Load registers every skill into r. Later calls are no-ops and return the
// catalog of the first call.
func (l *Loader) Load(r *tools.Registry) []Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return slices.Clone(l.infos)
	}
	l.loaded = true

	for _, s := range l.skills {
		before := r.Names()
		if s.Register != nil {
			s.Register(r)
		}
		var added []string
		for _, name := range r.Names() {
			if !slices.Contains(before, name) {
				added = append(added, name)
			}
		}
		for typ, fn := range s.Publishers {
			l.publishers[typ] = fn
		}
		l.infos = append(l.infos, Info{
			Name:        s.Name,
			Version:     s.Version,
			Description: s.Description,
			Triggers:    s.Triggers,
			Tools:       added,
		})
	}
	slog.Info("Skills loaded", "count", len(l.infos), "names", strings.Join(l.names(), ", "))
	return slices.Clone(l.infos)
}

// Loaded returns the catalog of loaded skills.
func (l *Loader) Loaded() []Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.infos)
}

// Names returns the loaded skill names.
func (l *Loader) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.names()
}

func (l *Loader) names() []string {
	out := make([]string, 0, len(l.infos))
	for _, i := range l.infos {
		out = append(out, i.Name)
	}
	return out
}

// ForQuery returns the first skill with a trigger keyword contained in q.
func (l *Loader) ForQuery(q string) (Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lower := strings.ToLower(q)
	for _, info := range l.infos {
		for _, t := range info.Triggers {
			if t != "" && strings.Contains(lower, strings.ToLower(t)) {
				return info, true
			}
		}
	}
	return Info{}, false
}

// Publish runs the publisher registered for the draft's type. handled is
// false when no loaded skill owns that type.
func (l *Loader) Publish(ctx context.Context, d *store.Draft) (result map[string]any, handled bool, err error) {
	l.mu.Lock()
	fn, ok := l.publishers[d.DraftType]
	l.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	result, err = fn(ctx, d)
	return result, true, err
}
