package azure

import (
	"context"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/sessiond/internal/storage"
)

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=abc" {
		t.Fatalf("unexpected url %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?comp=list", "sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sig=abc" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "BlobNotFound"}
	if !isNotFound(notFound) {
		t.Fatal("404 should be not found")
	}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	if !isContainerExists(exists) {
		t.Fatal("container exists not recognised")
	}
	busy := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	if !storage.IsTransient(wrapError(busy, "azure: upload lock")) {
		t.Fatal("503 should be transient")
	}
	if storage.IsTransient(wrapError(notFound, "azure: upload lock")) {
		t.Fatal("404 should not be transient")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Container: "c"}); err == nil {
		t.Fatal("missing account accepted")
	}
	if _, err := New(ctx, Config{Account: "a"}); err == nil {
		t.Fatal("missing container accepted")
	}
	if _, err := New(ctx, Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("missing credentials accepted")
	}
}

func TestBlobNameUsesPrefix(t *testing.T) {
	s := &Store{prefix: "fleet"}
	name, err := s.blobName("alice")
	if err != nil {
		t.Fatalf("blob name: %v", err)
	}
	if name != "fleet/locks/alice.lock" {
		t.Fatalf("name = %q", name)
	}
}
