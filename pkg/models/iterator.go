package models

import "context"

// WorkIterator is a pull-style stream of work items. Enumerations can be
// large (every document of a connector), so families stream items rather
// than materializing them.
type WorkIterator interface {
	// Next returns the next item. ok=false means the stream is exhausted.
	Next(ctx context.Context) (item WorkItem, ok bool, err error)
}

// SliceIter adapts a slice to a WorkIterator.
type SliceIter struct {
	items []WorkItem
	pos   int
}

// NewSliceIter returns an iterator over items.
func NewSliceIter(items []WorkItem) *SliceIter {
	return &SliceIter{items: items}
}

func (s *SliceIter) Next(context.Context) (WorkItem, bool, error) {
	if s.pos >= len(s.items) {
		return WorkItem{}, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

// FuncIter adapts a closure to a WorkIterator.
type FuncIter func(ctx context.Context) (WorkItem, bool, error)

func (f FuncIter) Next(ctx context.Context) (WorkItem, bool, error) {
	return f(ctx)
}
