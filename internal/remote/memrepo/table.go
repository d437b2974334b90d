package memrepo

import (
	"context"
	"fmt"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// memTable stores column data in memory, column-major like the remote
// tabular store it stands in for.
type memTable struct {
	store  *Store
	fileID int64
	name   string
	cols   []model.Column
	data   [][]any // one slice per column
	closed bool
}

// NewTable implements remote.TableService.
func (s *Store) NewTable(_ context.Context, name string, cols []model.Column) (remote.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q: no columns", name)
	}
	t := &memTable{
		store:  s,
		fileID: s.id(),
		name:   name,
		cols:   model.CloneSchema(cols),
		data:   make([][]any, len(cols)),
	}
	s.tables[t.fileID] = t
	return t, nil
}

// OpenTable implements remote.TableService.
func (s *Store) OpenTable(_ context.Context, fileID int64) (remote.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: table file %d", remote.ErrNotFound, fileID)
	}
	t.closed = false
	return t, nil
}

func (t *memTable) FileID() int64 { return t.fileID }

// AddData appends one batch. Every column must carry the same number
// of values.
func (t *memTable) AddData(_ context.Context, cols []model.Column) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.closed {
		return fmt.Errorf("table %q: closed", t.name)
	}
	if len(cols) != len(t.cols) {
		return fmt.Errorf("table %q: got %d columns, want %d", t.name, len(cols), len(t.cols))
	}
	n := len(cols[0].Values)
	for i, c := range cols {
		if len(c.Values) != n {
			return fmt.Errorf("table %q: column %q has %d values, want %d", t.name, c.Name, len(c.Values), n)
		}
		t.data[i] = append(t.data[i], c.Values...)
	}
	return nil
}

func (t *memTable) Headers(_ context.Context) ([]model.Column, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return model.CloneSchema(t.cols), nil
}

func (t *memTable) NumRows(_ context.Context) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if len(t.data) == 0 {
		return 0, nil
	}
	return len(t.data[0]), nil
}

// ReadRows returns columns holding values for rows [from, to).
func (t *memTable) ReadRows(_ context.Context, from, to int) ([]model.Column, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	n := 0
	if len(t.data) > 0 {
		n = len(t.data[0])
	}
	if from < 0 || to < from || to > n {
		return nil, fmt.Errorf("table %q: row range [%d, %d) out of bounds (rows=%d)", t.name, from, to, n)
	}
	out := model.CloneSchema(t.cols)
	for i := range out {
		out[i].Values = append([]any(nil), t.data[i][from:to]...)
	}
	return out, nil
}

func (t *memTable) Close() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.closed = true
	return nil
}
