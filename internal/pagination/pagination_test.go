package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/strato-go/internal/errors"
)

func decodePage(t *testing.T, raw string) any {
	t.Helper()
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&v))
	return v
}

// itemsPage builds a shape-B page with `count` items starting at `start`.
func itemsPage(t *testing.T, key string, start, count, total int) any {
	t.Helper()
	items := make([]string, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, fmt.Sprintf(`{"id":%d}`, start+i))
	}
	raw := fmt.Sprintf(`{"%s":[%s],"pagination":{"total_count":%d,"count_per_page":100}}`,
		key, strings.Join(items, ","), total)
	return decodePage(t, raw)
}

func TestMergeTotalPreserving(t *testing.T) {
	// total=250 split 100/100/50: exactly two follow-up fetches at
	// offsets 100 and 200, and the merge yields exactly 250 items.
	first := itemsPage(t, "workspaces", 0, 100, 250)

	var offsets []int
	fetch := func(ctx context.Context, page, offset int) (any, error) {
		offsets = append(offsets, offset)
		count := 100
		if offset+count > 250 {
			count = 250 - offset
		}
		return itemsPage(t, "workspaces", offset, count, 250), nil
	}

	result, err := Merge(context.Background(), first, fetch)
	require.NoError(t, err)

	assert.Equal(t, []int{100, 200}, offsets)
	assert.True(t, result.Complete())
	assert.Equal(t, 250, result.ItemCount())
}

func TestMergeExactMultipleNoPartialPage(t *testing.T) {
	first := itemsPage(t, "items", 0, 100, 200)

	calls := 0
	fetch := func(ctx context.Context, page, offset int) (any, error) {
		calls++
		return itemsPage(t, "items", offset, 100, 200), nil
	}

	result, err := Merge(context.Background(), first, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 200, result.ItemCount())
}

func TestMergeTotalZero(t *testing.T) {
	first := decodePage(t, `{"items":[],"total":0}`)

	fetch := func(ctx context.Context, page, offset int) (any, error) {
		t.Fatal("no follow-up fetch expected for total=0")
		return nil, nil
	}

	result, err := Merge(context.Background(), first, fetch)
	require.NoError(t, err)
	assert.True(t, result.Complete())
	assert.Equal(t, 0, result.ItemCount())
}

func TestMergeSinglePageNoEnvelope(t *testing.T) {
	first := decodePage(t, `{"name":"solo"}`)

	result, err := Merge(context.Background(), first, func(ctx context.Context, page, offset int) (any, error) {
		t.Fatal("no fetch expected")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, result.Complete())
}

func TestMergeItemsShape(t *testing.T) {
	first := decodePage(t, `{"items":[{"id":0}],"total":150}`)

	fetch := func(ctx context.Context, page, offset int) (any, error) {
		return decodePage(t, `{"items":[{"id":100}],"total":150}`), nil
	}

	result, err := Merge(context.Background(), first, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ItemCount())
}

func TestMergeDegradedOnPageFailure(t *testing.T) {
	first := itemsPage(t, "items", 0, 100, 300)

	fetch := func(ctx context.Context, page, offset int) (any, error) {
		if page == 2 {
			return nil, &PageFetchError{Page: page, Status: 503, Err: fmt.Errorf("unavailable")}
		}
		return itemsPage(t, "items", offset, 100, 300), nil
	}

	result, err := Merge(context.Background(), first, fetch)
	require.NoError(t, err)

	assert.False(t, result.Complete())
	assert.Equal(t, []int{2}, result.FailedPages)
	assert.Equal(t, 200, result.ItemCount(), "failed page's items must be absent")
}

func TestMergeCriticalPageFailureAborts(t *testing.T) {
	first := itemsPage(t, "items", 0, 100, 300)

	for _, status := range []int{401, 403, 404} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			fetch := func(ctx context.Context, page, offset int) (any, error) {
				return nil, &PageFetchError{Page: page, Status: status, Err: fmt.Errorf("rejected")}
			}

			_, err := Merge(context.Background(), first, fetch)
			require.Error(t, err)
			assert.True(t, apperrors.IsCredential(err))
		})
	}
}

func TestMergeMultipleCollectionKeys(t *testing.T) {
	first := decodePage(t, `{"devices":[{"id":1}],"warnings":["w1"],"pagination":{"total_count":150,"count_per_page":100}}`)

	fetch := func(ctx context.Context, page, offset int) (any, error) {
		return decodePage(t, `{"devices":[{"id":2}],"warnings":["w2"],"pagination":{"total_count":150,"count_per_page":100}}`), nil
	}

	result, err := Merge(context.Background(), first, fetch)
	require.NoError(t, err)

	body := result.Body
	assert.Len(t, body["devices"].([]any), 2)
	assert.Len(t, body["warnings"].([]any), 2)
}
