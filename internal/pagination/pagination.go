package pagination

// Package pagination merges multi-page API responses into one normalized
// result. Given a decoded first page and a page-fetch callback it computes
// the page count from the declared total, fetches the remaining pages
// sequentially, and merges every collection-typed property position-wise.
// Individual page failures degrade the result instead of failing the call,
// except for authorization-shaped statuses which abort it.

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/strato-go/internal/domain/paging"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/transport"
)

// DefaultPageSize is the fixed page size used for follow-up page fetches.
const DefaultPageSize = 100

// FetchFunc retrieves one follow-up page. page is 1-based; offset is the
// item offset ((page-1) * pageSize). The returned value is the decoded JSON
// body of that page.
type FetchFunc func(ctx context.Context, page, offset int) (any, error)

// PageFetchError carries the HTTP status of a failed page fetch so the
// merger can distinguish critical failures from degradable ones.
type PageFetchError struct {
	Page   int
	Status int
	Err    error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("page %d fetch failed with status %d: %v", e.Page, e.Status, e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// Merge produces the fully merged collection from a decoded first page.
// Returns the first page as-is (complete, single page) when no pagination
// envelope is present or the declared total is already satisfied.
func Merge(ctx context.Context, firstPage any, fetch FetchFunc) (*paging.Result, error) {
	info, err := paging.Inspect(firstPage)
	if err != nil {
		return nil, fmt.Errorf("inspect first page: %w", err)
	}

	body, _ := firstPage.(map[string]any)
	result := &paging.Result{Body: body, Info: info}

	if info.Shape == paging.ShapeNone || body == nil {
		return result, nil
	}

	pageSize := DefaultPageSize
	totalPages := (info.Total + pageSize - 1) / pageSize
	if totalPages <= 1 {
		return result, nil
	}

	for page := 2; page <= totalPages; page++ {
		offset := (page - 1) * pageSize
		pageBody, fetchErr := fetch(ctx, page, offset)
		if fetchErr != nil {
			var pageErr *PageFetchError
			if errors.As(fetchErr, &pageErr) && transport.IsCriticalPageStatus(pageErr.Status) {
				return nil, apperrors.Wrapf(fetchErr, apperrors.ErrCodeCredential,
					"page %d fetch was rejected with status %d; aborting paginated call", page, pageErr.Status)
			}
			result.FailedPages = append(result.FailedPages, page)
			continue
		}

		pageObj, ok := pageBody.(map[string]any)
		if !ok {
			result.FailedPages = append(result.FailedPages, page)
			continue
		}
		mergeCollections(body, pageObj, info.CollectionKeys)
	}

	return result, nil
}

// mergeCollections appends every collection property of page onto base,
// position-wise by key.
func mergeCollections(base, page map[string]any, keys []string) {
	for _, key := range keys {
		baseColl, okBase := base[key].([]any)
		pageColl, okPage := page[key].([]any)
		if !okBase || !okPage {
			continue
		}
		base[key] = append(baseColl, pageColl...)
	}
}
