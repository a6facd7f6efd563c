package blobstore

import "testing"

func TestFullKey_PrependsPrefixWhenSet(t *testing.T) {
	c := &Client{bucket: "b", prefix: "env-staging"}
	if got := c.fullKey("uploads/a.pdf"); got != "env-staging/uploads/a.pdf" {
		t.Fatalf("unexpected full key: %s", got)
	}
}

func TestFullKey_PassesThroughWhenNoPrefix(t *testing.T) {
	c := &Client{bucket: "b"}
	if got := c.fullKey("uploads/a.pdf"); got != "uploads/a.pdf" {
		t.Fatalf("unexpected full key: %s", got)
	}
}
