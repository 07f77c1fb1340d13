package rest_api

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/memory"
	"github.com/mozservices/syncstore/quota"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router http.Handler
	store  *memory.Store
}

func newTestServer(cfg syncstore.StorageConfig) *testServer {
	store := memory.NewStore()
	srv := NewServer(store, quota.New(store, cfg.QuotaSize), nil, cfg, Config{})
	return &testServer{router: srv.Router(), store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func lastModified(t *testing.T, w *httptest.ResponseRecorder) syncstore.Timestamp {
	t.Helper()
	v := w.Header().Get("X-Last-Modified")
	if v == "" {
		t.Fatal("no X-Last-Modified header")
	}
	ts, err := syncstore.ParseTimestamp(v)
	if err != nil {
		t.Fatalf("bad X-Last-Modified %q: %v", v, err)
	}
	return ts
}

func TestPutCreateThenUpdate(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})

	w := srv.do(t, "PUT", "/1.5/12345/storage/col2/12345", `{"payload":"XYZ"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("first PUT = %d, want 201 (%s)", w.Code, w.Body.String())
	}
	t1 := lastModified(t, w)

	w = srv.do(t, "PUT", "/1.5/12345/storage/col2/12345", `{"payload":"XYZ"}`, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("second PUT = %d, want 204", w.Code)
	}
	if t2 := lastModified(t, w); t2 <= t1 {
		t.Errorf("timestamps did not advance: %v then %v", t1, t2)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})

	w := srv.do(t, "PUT", "/1.5/1/storage/bookmarks/b1", `{"payload":"data","sortindex":7}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT = %d", w.Code)
	}
	put := lastModified(t, w)

	w = srv.do(t, "GET", "/1.5/1/storage/bookmarks/b1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d", w.Code)
	}
	var got struct {
		ID        string              `json:"id"`
		Payload   string              `json:"payload"`
		SortIndex int                 `json:"sortindex"`
		Modified  syncstore.Timestamp `json:"modified"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "b1" || got.Payload != "data" || got.SortIndex != 7 {
		t.Errorf("round trip mangled fields: %+v", got)
	}
	if got.Modified != put {
		t.Errorf("modified = %v, want PUT's %v", got.Modified, put)
	}
}

func TestPostDuplicateIDRejected(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	body := `[{"id":"a","payload":"p"},{"id":"b","payload":"p"},{"id":"a","payload":"p"}]`
	w := srv.do(t, "POST", "/1.5/1/storage/col2", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST with duplicate id = %d, want 400", w.Code)
	}
}

func TestPostPartialFailure(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	body := `[{"id":"x1","payload":"P"},{"id":"x2","sortindex":"notanint"}]`
	w := srv.do(t, "POST", "/1.5/1/storage/col2", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST = %d (%s)", w.Code, w.Body.String())
	}
	var res struct {
		Modified syncstore.Timestamp `json:"modified"`
		Success  []string            `json:"success"`
		Failed   map[string][]string `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Success) != 1 || res.Success[0] != "x1" {
		t.Errorf("success = %v", res.Success)
	}
	if reasons := res.Failed["x2"]; len(reasons) != 1 || reasons[0] != "invalid sortindex" {
		t.Errorf("failed[x2] = %v", res.Failed["x2"])
	}
	if res.Modified == 0 {
		t.Error("no modified value in response")
	}
}

func TestPostOverRecordCap(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{BatchMaxCount: 3})
	items := make([]string, 5)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":"i%d","payload":"p"}`, i)
	}
	w := srv.do(t, "POST", "/1.5/1/storage/col2", "["+strings.Join(items, ",")+"]", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST = %d", w.Code)
	}
	var res struct {
		Success []string            `json:"success"`
		Failed  map[string][]string `json:"failed"`
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if len(res.Success) != 3 {
		t.Errorf("success count = %d, want 3", len(res.Success))
	}
	if len(res.Failed) != 2 {
		t.Errorf("failed count = %d, want 2", len(res.Failed))
	}
	for id, reasons := range res.Failed {
		if len(reasons) != 1 || reasons[0] != "retry bso" {
			t.Errorf("failed[%s] = %v, want retry bso", id, reasons)
		}
	}
}

func TestExpiredItemIs404(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	w := srv.do(t, "PUT", "/1.5/1/storage/col/expiring", `{"payload":"*","ttl":0}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT = %d", w.Code)
	}
	w = srv.do(t, "GET", "/1.5/1/storage/col/expiring", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET expired = %d, want 404", w.Code)
	}
}

func TestPreconditionUnmodifiedSince(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	w := srv.do(t, "PUT", "/1.5/1/storage/col2/a", `{"payload":"v1"}`, nil)
	stored := lastModified(t, w)

	stale := (stored - 1000).String()
	for _, method := range []string{"PUT", "DELETE"} {
		body := ""
		if method == "PUT" {
			body = `{"payload":"v2"}`
		}
		w = srv.do(t, method, "/1.5/1/storage/col2/a", body, map[string]string{
			"X-If-Unmodified-Since": stale,
		})
		if w.Code != http.StatusPreconditionFailed {
			t.Errorf("%s with stale precondition = %d, want 412", method, w.Code)
		}
		if got := lastModified(t, w); got != stored {
			t.Errorf("%s 412 X-Last-Modified = %v, want %v", method, got, stored)
		}
	}

	// The mutation did not go through.
	w = srv.do(t, "GET", "/1.5/1/storage/col2/a", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "v1") {
		t.Errorf("item mutated despite 412: %d %s", w.Code, w.Body.String())
	}
}

func TestPreconditionModifiedSince304(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	w := srv.do(t, "PUT", "/1.5/1/storage/col2/a", `{"payload":"p"}`, nil)
	stored := lastModified(t, w)

	w = srv.do(t, "GET", "/1.5/1/info/collections", "", map[string]string{
		"X-If-Modified-Since": stored.String(),
	})
	if w.Code != http.StatusNotModified {
		t.Errorf("unchanged info/collections = %d, want 304", w.Code)
	}

	w = srv.do(t, "GET", "/1.5/1/storage/col2", "", map[string]string{
		"X-If-Modified-Since": (stored - 1000).String(),
	})
	if w.Code != http.StatusOK {
		t.Errorf("changed collection GET = %d, want 200", w.Code)
	}
}

func TestSortLimitOffsetPagination(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	for i := 1; i <= 5; i++ {
		body := fmt.Sprintf(`{"payload":"p","sortindex":%d}`, i)
		if w := srv.do(t, "PUT", fmt.Sprintf("/1.5/1/storage/col/s%d", i), body, nil); w.Code != http.StatusCreated {
			t.Fatalf("seed PUT = %d", w.Code)
		}
	}

	w := srv.do(t, "GET", "/1.5/1/storage/col?sort=index&limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET page 1 = %d", w.Code)
	}
	var page []string
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page) != 2 || page[0] != "s5" || page[1] != "s4" {
		t.Fatalf("page 1 = %v", page)
	}
	offset := w.Header().Get("X-Next-Offset")
	if offset == "" {
		t.Fatal("no X-Next-Offset on partial page")
	}
	if w.Header().Get("X-Num-Records") != "2" {
		t.Errorf("X-Num-Records = %q", w.Header().Get("X-Num-Records"))
	}

	w = srv.do(t, "GET", "/1.5/1/storage/col?sort=index&limit=2&offset="+offset, "", nil)
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page) != 2 || page[0] != "s3" || page[1] != "s2" {
		t.Errorf("page 2 = %v", page)
	}

	w = srv.do(t, "GET", "/1.5/1/storage/col?sort=index&limit=2&offset="+w.Header().Get("X-Next-Offset"), "", nil)
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page) != 1 || page[0] != "s1" {
		t.Errorf("page 3 = %v", page)
	}
	if w.Header().Get("X-Next-Offset") != "" {
		t.Error("X-Next-Offset present on final page")
	}
}

func TestInvalidOffsetRejected(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)
	w := srv.do(t, "GET", "/1.5/1/storage/col?offset=bogus", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus offset = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "offset") {
		t.Errorf("error body does not name the offset field: %s", w.Body.String())
	}
}

func TestNeverWrittenCollectionReadsEmpty(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	w := srv.do(t, "GET", "/1.5/1/storage/nothing", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d, want 200", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
	if w.Header().Get("X-Num-Records") != "0" {
		t.Errorf("X-Num-Records = %q", w.Header().Get("X-Num-Records"))
	}
}

func TestDeletedCollectionReadsEmptyWithVersion(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)
	w := srv.do(t, "DELETE", "/1.5/1/storage/col", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE collection = %d, want 204", w.Code)
	}
	deleted := lastModified(t, w)

	w = srv.do(t, "GET", "/1.5/1/storage/col", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET after delete = %d", w.Code)
	}
	if got := lastModified(t, w); got < deleted {
		t.Errorf("timestamp moved backwards after delete: %v < %v", got, deleted)
	}
}

func TestDeleteMissingCollectionReportsStorageTimestamp(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	w := srv.do(t, "PUT", "/1.5/1/storage/other/a", `{"payload":"p"}`, nil)
	stored := lastModified(t, w)

	w = srv.do(t, "DELETE", "/1.5/1/storage/nothere", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE missing collection = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	var res struct {
		Modified syncstore.Timestamp `json:"modified"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Modified != stored {
		t.Errorf("modified = %v, want storage timestamp %v", res.Modified, stored)
	}
	if got := lastModified(t, w); got != stored {
		t.Errorf("X-Last-Modified = %v, want %v", got, stored)
	}
}

func TestDeleteMissingItemIs404(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)
	w := srv.do(t, "DELETE", "/1.5/1/storage/col/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("DELETE missing item = %d, want 404", w.Code)
	}
}

func TestDeleteByIDs(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	for _, id := range []string{"a", "b", "c"} {
		srv.do(t, "PUT", "/1.5/1/storage/col/"+id, `{"payload":"p"}`, nil)
	}
	w := srv.do(t, "DELETE", "/1.5/1/storage/col?ids=a,c", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE ids = %d", w.Code)
	}
	w = srv.do(t, "GET", "/1.5/1/storage/col", "", nil)
	var left []string
	json.Unmarshal(w.Body.Bytes(), &left)
	if len(left) != 1 || left[0] != "b" {
		t.Errorf("remaining ids = %v", left)
	}
}

func TestDeleteStorage(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)
	w := srv.do(t, "DELETE", "/1.5/1/storage", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE storage = %d", w.Code)
	}
	w = srv.do(t, "GET", "/1.5/1/info/collections", "", nil)
	var stamps map[string]syncstore.Timestamp
	json.Unmarshal(w.Body.Bytes(), &stamps)
	if len(stamps) != 0 {
		t.Errorf("collections after storage delete: %v", stamps)
	}
}

func TestInfoEndpoints(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{QuotaSize: 10240})
	srv.do(t, "PUT", "/1.5/1/storage/bookmarks/a", `{"payload":"0123456789"}`, nil)
	srv.do(t, "PUT", "/1.5/1/storage/history/b", `{"payload":"01234"}`, nil)

	w := srv.do(t, "GET", "/1.5/1/info/collections", "", nil)
	var stamps map[string]syncstore.Timestamp
	json.Unmarshal(w.Body.Bytes(), &stamps)
	if len(stamps) != 2 || stamps["bookmarks"] == 0 || stamps["history"] == 0 {
		t.Errorf("info/collections = %v", stamps)
	}

	w = srv.do(t, "GET", "/1.5/1/info/collection_counts", "", nil)
	var counts map[string]int
	json.Unmarshal(w.Body.Bytes(), &counts)
	if counts["bookmarks"] != 1 || counts["history"] != 1 {
		t.Errorf("info/collection_counts = %v", counts)
	}

	w = srv.do(t, "GET", "/1.5/1/info/collection_usage", "", nil)
	var usage map[string]float64
	json.Unmarshal(w.Body.Bytes(), &usage)
	if usage["bookmarks"] <= 0 || usage["bookmarks"] >= 1 {
		t.Errorf("info/collection_usage bookmarks = %v KiB", usage["bookmarks"])
	}

	w = srv.do(t, "GET", "/1.5/1/info/quota", "", nil)
	var quotaResp []any
	json.Unmarshal(w.Body.Bytes(), &quotaResp)
	if len(quotaResp) != 2 {
		t.Fatalf("info/quota = %s", w.Body.String())
	}
	if quotaResp[1] != float64(10) {
		t.Errorf("quota KiB = %v, want 10", quotaResp[1])
	}
}

func TestQuotaRejection(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{QuotaSize: 20})
	w := srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"0123456789"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT under quota = %d", w.Code)
	}
	w = srv.do(t, "PUT", "/1.5/1/storage/col/b", `{"payload":"01234567890123456789"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("PUT over quota = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "quota-exceeded") {
		t.Errorf("body = %s", w.Body.String())
	}
	// The rejected write left no trace.
	w = srv.do(t, "GET", "/1.5/1/storage/col/b", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("rejected item exists: %d", w.Code)
	}
}

func TestQuotaHeaderOnlyNearCeiling(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{QuotaSize: 10 * 1024 * 1024})
	w := srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT = %d", w.Code)
	}
	if got := w.Header().Get("X-Weave-Quota-Remaining"); got != "" {
		t.Errorf("headroom advertised far from the ceiling: %q", got)
	}

	srv = newTestServer(syncstore.StorageConfig{QuotaSize: 1024})
	w = srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT near ceiling = %d", w.Code)
	}
	if w.Header().Get("X-Weave-Quota-Remaining") == "" {
		t.Error("no headroom header near the ceiling")
	}
}

func TestBatchUploadCommit(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})

	w := srv.do(t, "POST", "/1.5/1/storage/col?batch=true", `[{"id":"a","payload":"p"}]`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("batch open = %d (%s)", w.Code, w.Body.String())
	}
	var opened struct {
		Batch string `json:"batch"`
	}
	json.Unmarshal(w.Body.Bytes(), &opened)
	if opened.Batch == "" {
		t.Fatal("no batch id in 202 response")
	}

	// Appended items are not visible until commit.
	w = srv.do(t, "GET", "/1.5/1/storage/col", "", nil)
	var ids []string
	json.Unmarshal(w.Body.Bytes(), &ids)
	if len(ids) != 0 {
		t.Fatalf("uncommitted items visible: %v", ids)
	}

	w = srv.do(t, "POST", "/1.5/1/storage/col?batch="+opened.Batch+"&commit=1", `[{"id":"b","payload":"p"}]`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commit = %d (%s)", w.Code, w.Body.String())
	}
	committed := lastModified(t, w)

	w = srv.do(t, "GET", "/1.5/1/storage/col?full=1", "", nil)
	var items []struct {
		ID       string              `json:"id"`
		Modified syncstore.Timestamp `json:"modified"`
	}
	json.Unmarshal(w.Body.Bytes(), &items)
	if len(items) != 2 {
		t.Fatalf("items after commit = %d, want 2", len(items))
	}
	// Batch atomicity: one timestamp across the whole batch.
	for _, it := range items {
		if it.Modified != committed {
			t.Errorf("item %s modified %v, want %v", it.ID, it.Modified, committed)
		}
	}
}

func TestBatchUnknownIDRejected(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	w := srv.do(t, "POST", "/1.5/1/storage/col?batch=999999&commit=1", `[{"id":"a","payload":"p"}]`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("commit of unknown batch = %d, want 400", w.Code)
	}
}

func TestSingleObjectPostBodyRejected(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	w := srv.do(t, "POST", "/1.5/1/storage/col", `{"id":"a","payload":"p"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("object body = %d, want 400", w.Code)
	}
}

func TestIntentHeaderOverLimit(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{BatchMaxCount: 10})
	w := srv.do(t, "POST", "/1.5/1/storage/col", `[]`, map[string]string{
		"X-Weave-Records": "50",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized intent = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "size-limit-exceeded") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestNewlinesResponseFormat(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)
	srv.do(t, "PUT", "/1.5/1/storage/col/b", `{"payload":"p"}`, nil)

	w := srv.do(t, "GET", "/1.5/1/storage/col", "", map[string]string{
		"Accept": "application/newlines",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d", w.Code)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("lines = %d (%q)", len(lines), w.Body.String())
	}
}

func TestWhoisiResponseFormat(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"p"}`, nil)

	w := srv.do(t, "GET", "/1.5/1/storage/col", "", map[string]string{
		"Accept": "application/whoisi",
	})
	body := w.Body.Bytes()
	if len(body) < 4 {
		t.Fatalf("frame too short: %d bytes", len(body))
	}
	n := binary.BigEndian.Uint32(body[:4])
	if int(n) != len(body)-4 {
		t.Errorf("frame length %d, body %d", n, len(body)-4)
	}
	var id string
	if err := json.Unmarshal(body[4:], &id); err != nil || id != "a" {
		t.Errorf("frame payload = %q (%v)", body[4:], err)
	}
}

func TestBadPathsAre404(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	for _, path := range []string{
		"/2.0/1/info/collections",
		"/1.5/notanumber/info/collections",
		"/1.5/0/info/collections",
	} {
		if w := srv.do(t, "GET", path, "", nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}
}

func TestUsersAreIsolated(t *testing.T) {
	srv := newTestServer(syncstore.StorageConfig{})
	srv.do(t, "PUT", "/1.5/1/storage/col/a", `{"payload":"mine"}`, nil)
	w := srv.do(t, "GET", "/1.5/2/storage/col/a", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-user read = %d, want 404", w.Code)
	}
}
