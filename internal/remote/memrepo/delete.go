package memrepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/openimaging/bulkmeta/internal/remote"
)

// memDelete is the handle returned by SubmitDelete. It applies the
// deletion on the poll that reaches the configured DeletePolls count,
// mimicking an asynchronous remote command.
type memDelete struct {
	store   *Store
	targets map[string][]int64
	dryRun  bool
	polls   int
	need    int
	done    bool
	deleted int
}

// SubmitDelete implements remote.DeleteService. Supported target type
// names are "<Kind>AnnotationLink" and "FileAnnotation".
func (s *Store) SubmitDelete(_ context.Context, targets remote.DeleteTargets, dryRun bool) (remote.DeleteHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for typeName := range targets {
		if typeName != "FileAnnotation" && !strings.HasSuffix(typeName, "AnnotationLink") {
			return nil, fmt.Errorf("unsupported delete target type %q", typeName)
		}
	}
	cp := make(map[string][]int64, len(targets))
	for k, v := range targets {
		cp[k] = append([]int64(nil), v...)
	}
	return &memDelete{store: s, targets: cp, dryRun: dryRun, need: s.DeletePolls}, nil
}

// Poll reports whether the command has finished.
func (d *memDelete) Poll(_ context.Context) (bool, error) {
	if d.done {
		return true, nil
	}
	if d.polls < d.need {
		d.polls++
		return false, nil
	}
	d.apply()
	d.done = true
	return true, nil
}

func (d *memDelete) DeletedCount() int { return d.deleted }

func (d *memDelete) apply() {
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for typeName, ids := range d.targets {
		for _, id := range ids {
			if typeName == "FileAnnotation" {
				if _, ok := s.files[id]; ok {
					d.deleted++
					if !d.dryRun {
						delete(s.files, id)
					}
				}
				continue
			}
			if _, ok := s.links[id]; ok {
				d.deleted++
				if !d.dryRun {
					delete(s.links, id)
				}
			}
		}
	}
	if d.dryRun {
		return
	}
	// Map annotations with no remaining links are garbage collected,
	// matching server-side orphan cleanup.
	referenced := make(map[int64]bool)
	for _, l := range s.links {
		referenced[l.annID] = true
	}
	for id := range s.anns {
		if !referenced[id] {
			delete(s.anns, id)
		}
	}
}
