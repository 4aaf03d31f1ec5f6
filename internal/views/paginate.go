package views

// Page is one slice of a filtered and sorted list.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Paginate slices items into pages of size, clamping page into range.
// A non-positive size returns everything on one page.
func Paginate[T any](items []T, page, size int) Page[T] {
	total := len(items)
	if size <= 0 {
		size = total
		if size == 0 {
			size = 1
		}
	}
	totalPages := (total + size - 1) / size
	if page > totalPages {
		page = totalPages
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return Page[T]{Items: out, Page: page, PageSize: size, Total: total, TotalPages: totalPages}
}

// Pager remembers the current page for one list and goes back to page 1
// whenever the filters behind the list change.
type Pager struct {
	Size int
	page int
	key  string
}

func (p *Pager) Current() int {
	if p.page < 1 {
		return 1
	}
	return p.page
}

func (p *Pager) SetPage(n int) {
	if n < 1 {
		n = 1
	}
	p.page = n
}

// Filters records the filter key, resetting to page 1 when it differs.
func (p *Pager) Filters(key string) {
	if key != p.key {
		p.key = key
		p.page = 1
	}
}

// PageOf pages items for the given filter key.
func PageOf[T any](p *Pager, key string, items []T) Page[T] {
	p.Filters(key)
	pg := Paginate(items, p.Current(), p.Size)
	p.page = pg.Page
	return pg
}
