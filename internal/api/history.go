package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"campus-chat/internal/timeline"
)

// FetchBefore loads one page of history older than before. The body may be a
// bare array or an object with messages and a has_more/hasMore flag.
func (c *Client) FetchBefore(ctx context.Context, roomID string, before time.Time, limit int) (timeline.HistoryPage, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return timeline.HistoryPage{}, err
	}

	doc := gjson.ParseBytes(raw)
	list := doc
	if !doc.IsArray() {
		list = doc.Get("messages")
	}
	var page timeline.HistoryPage
	for _, m := range list.Array() {
		page.Frames = append(page.Frames, json.RawMessage(m.Raw))
	}
	for _, key := range []string{"has_more", "hasMore"} {
		if v := doc.Get(key); v.Exists() && (v.Type == gjson.True || v.Type == gjson.False) {
			more := v.Bool()
			page.HasMore = &more
			break
		}
	}
	return page, nil
}

var _ timeline.HistoryFetcher = (*Client)(nil)
