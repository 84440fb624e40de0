package feed

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/champi-dev/aipics/internal/domain"
)

const loadMoreKey = "load-more"

type likeMark struct {
	count   int
	version int64
}

// Window is the client side view of one feed: an ordered, duplicate free
// sequence of post summaries plus the cursor for the next page. Each feed
// view owns its own Window.
type Window struct {
	fetcher Fetcher
	filter  domain.FeedFilter
	group   singleflight.Group

	mu       sync.Mutex
	items    []domain.PostSummary
	ids      map[string]struct{}
	likes    map[string]likeMark
	cursor   string
	hasMore  bool
	loaded   bool
	pageSize int
	gen      uint64
}

// NewWindow constructs an empty window over fetcher for filter.
func NewWindow(fetcher Fetcher, filter domain.FeedFilter) *Window {
	return &Window{
		fetcher:  fetcher,
		filter:   filter,
		ids:      make(map[string]struct{}),
		likes:    make(map[string]likeMark),
		pageSize: DefaultLimit,
	}
}

// Filter returns the feed filter of the window.
func (w *Window) Filter() domain.FeedFilter { return w.filter }

// LoadInitial fetches the first page and replaces the window with it. Items
// already known to the window that are newer than the fetched page survive,
// since they were inserted by events that raced the fetch.
func (w *Window) LoadInitial(ctx context.Context, limit int) (Page, error) {
	limit = ClampLimit(limit)
	page, err := w.fetcher.ListFeed(ctx, w.filter, "", limit)
	if err != nil {
		return Page{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++

	var keep []domain.PostSummary
	for _, it := range w.items {
		if len(page.Items) == 0 || page.Items[0].SortKey().Before(it.SortKey()) {
			keep = append(keep, it)
		}
	}
	w.items = w.items[:0:0]
	w.ids = make(map[string]struct{}, len(keep)+len(page.Items))
	for _, it := range keep {
		w.appendLocked(it)
	}
	for _, it := range page.Items {
		w.appendLocked(it)
	}
	w.cursor = page.NextCursor
	w.hasMore = page.HasMore
	w.loaded = true
	w.pageSize = limit
	return page, nil
}

// LoadMore appends the next page. It reports false, fetching nothing, when
// the window has no further pages. Calls that arrive while a fetch is in
// flight join it and observe the same page; the page is appended once.
//
// The shared fetch outlives any single caller: a caller whose ctx ends gets
// its ctx error while the others keep waiting, and the page is still applied.
func (w *Window) LoadMore(ctx context.Context) (Page, bool, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := w.group.DoChan(loadMoreKey, func() (interface{}, error) {
		w.mu.Lock()
		if !w.loaded || !w.hasMore {
			w.mu.Unlock()
			return nil, nil
		}
		cursor, limit, gen := w.cursor, w.pageSize, w.gen
		w.mu.Unlock()

		page, err := w.fetcher.ListFeed(fetchCtx, w.filter, cursor, limit)
		if err != nil {
			return nil, err
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if gen != w.gen {
			// the window was reloaded while this page was in flight
			return nil, nil
		}
		for _, it := range page.Items {
			w.appendLocked(it)
		}
		w.cursor = page.NextCursor
		w.hasMore = page.HasMore
		return &page, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Page{}, false, ctx.Err()
	}
	if res.Err != nil {
		return Page{}, false, res.Err
	}
	page, ok := res.Val.(*Page)
	if !ok || page == nil {
		return Page{}, false, nil
	}
	return *page, true, nil
}

// ApplyInsert adds a newly published post unless its id is already present
// or it does not belong to this feed. It reports whether the window changed.
//
// A post older than the window tail is left to pagination while more pages
// remain, so that it is not fetched a second time.
func (w *Window) ApplyInsert(item domain.PostSummary) bool {
	if !w.filter.Matches(item.OwnerID) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.ids[item.ID]; dup {
		return false
	}
	key := item.SortKey()
	if n := len(w.items); n > 0 && w.hasMore && key.Before(w.items[n-1].SortKey()) {
		return false
	}
	w.mergeLikeLocked(&item)
	pos := sort.Search(len(w.items), func(i int) bool {
		return w.items[i].SortKey().Before(key)
	})
	w.items = append(w.items, domain.PostSummary{})
	copy(w.items[pos+1:], w.items[pos:])
	w.items[pos] = item
	w.ids[item.ID] = struct{}{}
	return true
}

// ApplyLikeCount records an authoritative like count. Counts older than one
// already observed for the post are ignored. It reports whether a visible
// item changed.
func (w *Window) ApplyLikeCount(postID string, count int, version int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if mark, ok := w.likes[postID]; ok && version < mark.version {
		return false
	}
	w.likes[postID] = likeMark{count: count, version: version}
	if _, ok := w.ids[postID]; !ok {
		return false
	}
	for i := range w.items {
		if w.items[i].ID != postID {
			continue
		}
		if version < w.items[i].LikeVersion {
			return false
		}
		w.items[i].LikeCount = count
		w.items[i].LikeVersion = version
		return true
	}
	return false
}

// ApplyEvent routes a bus event to ApplyInsert or ApplyLikeCount.
func (w *Window) ApplyEvent(ev domain.Event) bool {
	switch payload := ev.Payload.(type) {
	case domain.PostCreated:
		return w.ApplyInsert(payload.Post)
	case domain.LikeUpdated:
		return w.ApplyLikeCount(payload.PostID, payload.Count, ev.Version)
	default:
		return false
	}
}

// Items returns a copy of the window contents, newest first.
func (w *Window) Items() []domain.PostSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.PostSummary, len(w.items))
	copy(out, w.items)
	return out
}

// Len returns the number of items in the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// HasMore reports whether another page can be loaded.
func (w *Window) HasMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasMore
}

// Cursor returns the token for the next page.
func (w *Window) Cursor() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// appendLocked adds item at the tail unless it is already present.
func (w *Window) appendLocked(item domain.PostSummary) {
	if _, dup := w.ids[item.ID]; dup {
		return
	}
	w.mergeLikeLocked(&item)
	w.ids[item.ID] = struct{}{}
	w.items = append(w.items, item)
}

// mergeLikeLocked lets a like count seen on the bus win over an older one
// carried by a fetched page.
func (w *Window) mergeLikeLocked(item *domain.PostSummary) {
	mark, ok := w.likes[item.ID]
	if !ok {
		return
	}
	if mark.version > item.LikeVersion {
		item.LikeCount = mark.count
		item.LikeVersion = mark.version
	}
}
