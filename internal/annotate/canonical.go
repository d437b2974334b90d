package annotate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// ErrPrimaryKeyMissing is returned when a namespace declares primary
// keys and a row produces no value for one of them.
var ErrPrimaryKeyMissing = errors.New("primary key missing from annotation")

// Canonical is one deduplicated map annotation together with the set
// of parents it should be linked to. Two annotations in the same
// namespace with equal primary-key values collapse into one Canonical.
type Canonical struct {
	Ann     *remote.MapAnnotation
	parents map[model.TargetRef]bool
}

// Identity serializes the namespace and primary-key values. Without
// primary keys the whole pair list is the identity, so only exact
// duplicates merge.
func identity(ns string, pairs []remote.Pair, keys []string) (string, error) {
	var parts []string
	if len(keys) == 0 {
		for _, p := range pairs {
			parts = append(parts, p.Key+"\x1f"+p.Value)
		}
	} else {
		for _, k := range keys {
			found := false
			for _, p := range pairs {
				if p.Key == k {
					parts = append(parts, k+"\x1f"+p.Value)
					found = true
					break
				}
			}
			if !found {
				return "", fmt.Errorf("%w: %q in namespace %q", ErrPrimaryKeyMissing, k, ns)
			}
		}
	}
	return ns + "\x1e" + strings.Join(parts, "\x1e"), nil
}

// AddParent records one more object the annotation should link to.
func (c *Canonical) AddParent(ref model.TargetRef) {
	c.parents[ref] = true
}

// Parents returns the link targets in a stable order.
func (c *Canonical) Parents() []model.TargetRef {
	out := make([]model.TargetRef, 0, len(c.parents))
	for ref := range c.parents {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Manager deduplicates map annotations by namespace and primary key.
// Seeding it with persisted annotations makes repeated runs reuse the
// existing rows instead of creating duplicates.
type Manager struct {
	keys map[string][]string
	anns map[string]*Canonical
	seq  []*Canonical
}

// NewManager builds a manager with per-namespace primary keys.
func NewManager(primaryKeys map[string][]string) *Manager {
	return &Manager{
		keys: primaryKeys,
		anns: make(map[string]*Canonical),
	}
}

// Seed loads the persisted annotations of every keyed namespace, so a
// matching row links to the existing annotation instead of saving a
// new one.
func (m *Manager) Seed(ctx context.Context, q remote.QueryService) error {
	nss := make([]string, 0, len(m.keys))
	for ns := range m.keys {
		nss = append(nss, ns)
	}
	sort.Strings(nss)
	for _, ns := range nss {
		anns, err := q.MapAnnotationsByNS(ctx, ns)
		if err != nil {
			return fmt.Errorf("seed namespace %q: %w", ns, err)
		}
		for _, ann := range anns {
			id, err := identity(ann.NS, ann.Pairs, m.keys[ann.NS])
			if err != nil {
				// Persisted annotations missing a primary key can
				// never match a row, skip them.
				continue
			}
			if _, ok := m.anns[id]; !ok {
				m.anns[id] = &Canonical{Ann: ann, parents: make(map[model.TargetRef]bool)}
			}
		}
	}
	return nil
}

// Add merges one annotation candidate into the canonical set and
// returns the Canonical it resolved to.
func (m *Manager) Add(ns string, pairs []remote.Pair, parents []model.TargetRef) (*Canonical, error) {
	id, err := identity(ns, pairs, m.keys[ns])
	if err != nil {
		return nil, err
	}
	c, ok := m.anns[id]
	if !ok {
		c = &Canonical{
			Ann:     &remote.MapAnnotation{NS: ns, Pairs: pairs},
			parents: make(map[model.TargetRef]bool),
		}
		m.anns[id] = c
		m.seq = append(m.seq, c)
	} else if c.Ann.ID == 0 {
		c.Ann.Pairs = mergePairs(c.Ann.Pairs, pairs)
	}
	for _, p := range parents {
		c.AddParent(p)
	}
	return c, nil
}

// mergePairs unions the pair lists, keeping first occurrence order and
// dropping exact duplicates.
func mergePairs(a, b []remote.Pair) []remote.Pair {
	seen := make(map[remote.Pair]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if !seen[p] {
			a = append(a, p)
			seen[p] = true
		}
	}
	return a
}

// Pending returns the canonical annotations added in this run that
// have at least one parent, in insertion order. Seeded annotations
// that no row touched are excluded.
func (m *Manager) Pending() []*Canonical {
	var seeded []*Canonical
	for _, c := range m.anns {
		if c.Ann.ID != 0 && len(c.parents) > 0 {
			seeded = append(seeded, c)
		}
	}
	sort.Slice(seeded, func(i, j int) bool { return seeded[i].Ann.ID < seeded[j].Ann.ID })

	out := seeded
	for _, c := range m.seq {
		if len(c.parents) > 0 {
			out = append(out, c)
		}
	}
	return out
}
