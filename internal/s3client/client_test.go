package s3client

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestClient_PutGetList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := TestClient(t, "artifacts").WithPrefix("/e2e/")

	if err := c.PutObject(ctx, "run-1/page-loads/dom.html", []byte("<html></html>"), "text/html"); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	got, err := c.GetObject(ctx, "run-1/page-loads/dom.html")
	if err != nil || string(got) != "<html></html>" {
		t.Fatalf("GetObject mismatch: got=%q err=%v", got, err)
	}
	if _, err := c.GetObject(ctx, "run-1/missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("missing object error mismatch: got=%v want=%v", err, ErrObjectNotFound)
	}

	keys, err := c.ListKeys(ctx, "run-1/")
	if err != nil || len(keys) != 1 || keys[0] != "run-1/page-loads/dom.html" {
		t.Fatalf("ListKeys mismatch: got=%v err=%v", keys, err)
	}
	if loc := c.Location("run-1/page-loads/dom.html"); !strings.HasSuffix(loc, "/e2e/run-1/page-loads/dom.html") {
		t.Fatalf("Location mismatch: got=%q", loc)
	}
}

func TestClient_LocationWithoutPublicURL(t *testing.T) {
	t.Parallel()
	c := NewFromS3Client(nil, "bucket", "").WithPrefix("runs")
	if got, want := c.Location("/a/b.png"), "s3://bucket/runs/a/b.png"; got != want {
		t.Fatalf("Location mismatch: got=%q want=%q", got, want)
	}
}

func testNormalizePrefix_Shape(t *rapid.T) {
	raw := rapid.StringMatching(`/{0,2}([a-z0-9]{1,5}/){0,3}[a-z0-9]{0,5}/{0,2}`).Draw(t, "prefix")
	got := normalizePrefix(raw)
	if got == "" {
		if strings.Trim(raw, "/") != "" {
			t.Fatalf("non-empty prefix dropped: raw=%q", raw)
		}
		return
	}
	if strings.HasPrefix(got, "/") || !strings.HasSuffix(got, "/") || strings.Contains(got, "//") {
		t.Fatalf("prefix shape mismatch: got=%q raw=%q", got, raw)
	}
}

func TestNormalizePrefix_Shape(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testNormalizePrefix_Shape)
}
