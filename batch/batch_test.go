package batch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseJSONBody(t *testing.T) {
	body := `[
		{"id": "a1", "payload": "one", "sortindex": 3},
		{"id": "a2", "payload": "two"}
	]`
	res, err := ParseBSOs(MediaTypeJSON, []byte(body), 100, 1<<20)
	if err != nil {
		t.Fatalf("ParseBSOs: %v", err)
	}
	if len(res.Items) != 2 || len(res.Failed) != 0 {
		t.Fatalf("items=%d failed=%v", len(res.Items), res.Failed)
	}
	if res.Items[0].ID != "a1" || *res.Items[0].SortIndex != 3 {
		t.Errorf("first item = %+v", res.Items[0])
	}
}

func TestParseNewlinesBody(t *testing.T) {
	body := "{\"id\": \"n1\", \"payload\": \"x\"}\n{\"id\": \"n2\", \"payload\": \"y\"}\n"
	res, err := ParseBSOs("application/newlines", []byte(body), 100, 1<<20)
	if err != nil {
		t.Fatalf("ParseBSOs: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d", len(res.Items))
	}
	if res.Items[1].ID != "n2" {
		t.Errorf("second item id = %q", res.Items[1].ID)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	_, err := ParseBSOs("text/plain", []byte("[]"), 100, 1<<20)
	if !errors.Is(err, ErrUnsupportedContentType) {
		t.Errorf("err = %v, want ErrUnsupportedContentType", err)
	}
}

func TestInvalidItemsReportedNotFatal(t *testing.T) {
	body := `[
		{"id": "ok", "payload": "fine"},
		{"id": "bad ttl", "ttl": -1},
		{"id": "x2", "sortindex": "9999999999"},
		{"payload": "no id at all"},
		{"id": "deep", "payload": {"nested": true}}
	]`
	res, err := ParseBSOs(MediaTypeJSON, []byte(body), 100, 1<<20)
	if err != nil {
		t.Fatalf("ParseBSOs: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "ok" {
		t.Fatalf("items = %+v", res.Items)
	}
	if len(res.Failed["bad ttl"]) == 0 {
		t.Error("ttl failure not reported")
	}
	if got := res.Failed["x2"]; len(got) == 0 || got[0] != "invalid sortindex" {
		t.Errorf("sortindex failure = %v", got)
	}
	// Records without a usable id key under "".
	if len(res.Failed[""]) != 1 {
		t.Errorf("unkeyed failures = %v", res.Failed[""])
	}
	if len(res.Failed["deep"]) == 0 {
		t.Error("non-scalar payload failure not reported")
	}
}

func TestDuplicateIDFailsRequest(t *testing.T) {
	body := `[{"id": "dup", "payload": "a"}, {"id": "dup", "payload": "b"}]`
	_, err := ParseBSOs(MediaTypeJSON, []byte(body), 100, 1<<20)
	var dup *DuplicateIDError
	if !errors.As(err, &dup) || dup.ID != "dup" {
		t.Errorf("err = %v, want DuplicateIDError for dup", err)
	}
}

func TestCountCap(t *testing.T) {
	var items []string
	for i := 0; i < 4; i++ {
		items = append(items, fmt.Sprintf(`{"id": "c%d", "payload": "p"}`, i))
	}
	body := "[" + strings.Join(items, ",") + "]"
	res, err := ParseBSOs(MediaTypeJSON, []byte(body), 2, 1<<20)
	if err != nil {
		t.Fatalf("ParseBSOs: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("accepted = %d, want 2", len(res.Items))
	}
	for _, id := range []string{"c2", "c3"} {
		if got := res.Failed[id]; len(got) != 1 || got[0] != ReasonRetryItem {
			t.Errorf("failure for %s = %v", id, got)
		}
	}
}

func TestByteCap(t *testing.T) {
	big := strings.Repeat("x", 40)
	body := fmt.Sprintf(`[{"id": "b1", "payload": %q}, {"id": "b2", "payload": %q}]`, big, big)
	res, err := ParseBSOs(MediaTypeJSON, []byte(body), 100, 60)
	if err != nil {
		t.Fatalf("ParseBSOs: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "b1" {
		t.Fatalf("accepted = %+v", res.Items)
	}
	if got := res.Failed["b2"]; len(got) != 1 || got[0] != ReasonRetryBytes {
		t.Errorf("failure for b2 = %v", got)
	}
}

func TestByteCapExactFillRejected(t *testing.T) {
	body := fmt.Sprintf(`[{"id": "e1", "payload": %q}]`, strings.Repeat("x", 60))
	res, err := ParseBSOs(MediaTypeJSON, []byte(body), 100, 60)
	if err != nil {
		t.Fatalf("ParseBSOs: %v", err)
	}
	if len(res.Items) != 0 {
		t.Fatalf("accepted = %+v, want none", res.Items)
	}
	if got := res.Failed["e1"]; len(got) != 1 || got[0] != ReasonRetryBytes {
		t.Errorf("failure for e1 = %v", got)
	}
}

func TestByteCapMarksAllLaterItems(t *testing.T) {
	big := strings.Repeat("x", 50)
	body := fmt.Sprintf(`[{"id": "s1", "payload": %q}, {"id": "s2", "payload": %q}, {"id": "s3", "payload": "t"}]`, big, big)
	res, err := ParseBSOs(MediaTypeJSON, []byte(body), 100, 60)
	if err != nil {
		t.Fatalf("ParseBSOs: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "s1" {
		t.Fatalf("accepted = %+v", res.Items)
	}
	// s3 fits on its own but follows the overflow, so it is marked too.
	for _, id := range []string{"s2", "s3"} {
		if got := res.Failed[id]; len(got) != 1 || got[0] != ReasonRetryBytes {
			t.Errorf("failure for %s = %v", id, got)
		}
	}
}

func TestParseSingleBSO(t *testing.T) {
	bso, err := ParseSingleBSO(MediaTypeJSON, []byte(`{"id": "s1", "payload": "solo", "ttl": 60}`))
	if err != nil {
		t.Fatalf("ParseSingleBSO: %v", err)
	}
	if bso.ID != "s1" || *bso.TTL != 60 {
		t.Errorf("bso = %+v", bso)
	}

	// A list body is not a single record.
	if _, err := ParseSingleBSO(MediaTypeJSON, []byte(`[{"id": "s1"}]`)); err == nil {
		t.Error("list body accepted as single record")
	}

	if _, err := ParseSingleBSO(MediaTypeJSON, []byte(`{"id": "s1", "ttl": 99999999999}`)); err == nil {
		t.Error("invalid ttl accepted")
	}
}
