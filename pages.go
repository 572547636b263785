package chatsync

// Page is one fetched page of a paginated list.
type Page[T any] struct {
	Items  []T    `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}

// PageSet is the cached, paginated form of a list. Page 0 is the newest.
type PageSet[T any] struct {
	Pages []Page[T] `json:"pages"`
	// NeedsRefetch marks a page-set the merge engine gave up on; the owner
	// must reload it from the network.
	NeedsRefetch bool `json:"needsRefetch,omitempty"`
}

// NewPageSet returns a page-set holding items as its only page.
func NewPageSet[T any](items []T, cursor string) *PageSet[T] {
	return &PageSet[T]{Pages: []Page[T]{{Items: items, Cursor: cursor}}}
}

// Empty reports whether the page-set holds no pages.
func (ps *PageSet[T]) Empty() bool {
	return ps == nil || len(ps.Pages) == 0
}

// Len returns the number of items across all pages.
func (ps *PageSet[T]) Len() int {
	if ps == nil {
		return 0
	}
	n := 0
	for _, p := range ps.Pages {
		n += len(p.Items)
	}
	return n
}

// All flattens the page-set in page order.
func (ps *PageSet[T]) All() []T {
	if ps == nil {
		return nil
	}
	out := make([]T, 0, ps.Len())
	for _, p := range ps.Pages {
		out = append(out, p.Items...)
	}
	return out
}

// Clone copies the page structure. Items themselves are shared.
func (ps *PageSet[T]) Clone() *PageSet[T] {
	if ps == nil {
		return nil
	}
	out := &PageSet[T]{Pages: make([]Page[T], len(ps.Pages)), NeedsRefetch: ps.NeedsRefetch}
	for i, p := range ps.Pages {
		out.Pages[i] = Page[T]{Items: append([]T(nil), p.Items...), Cursor: p.Cursor}
	}
	return out
}

// Truncate returns a copy holding at most the first page, marked for refetch.
func (ps *PageSet[T]) Truncate() *PageSet[T] {
	out := &PageSet[T]{NeedsRefetch: true}
	if ps.Empty() {
		return out
	}
	first := ps.Pages[0]
	out.Pages = []Page[T]{{Items: append([]T(nil), first.Items...), Cursor: first.Cursor}}
	return out
}
