package aws

import (
	"context"
	"errors"
	"strings"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/sessiond/internal/storage"
)

func TestIsNotFoundRecognisesAPIErrors(t *testing.T) {
	if !isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}) {
		t.Fatal("NoSuchKey should be not found")
	}
	if !isNotFound(&smithy.GenericAPIError{Code: "NotFound"}) {
		t.Fatal("NotFound should be not found")
	}
	if isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}) {
		t.Fatal("AccessDenied must not be not found")
	}
	if isNotFound(errors.New("NoSuchKey")) {
		t.Fatal("plain string must not match")
	}
}

func TestWrapErrorMarksThrottlingTransient(t *testing.T) {
	err := wrapError(&smithy.GenericAPIError{Code: "SlowDown"}, "aws: put lock")
	if !storage.IsTransient(err) {
		t.Fatalf("SlowDown should be transient: %v", err)
	}
	err = wrapError(&smithy.GenericAPIError{Code: "AccessDenied"}, "aws: put lock")
	if storage.IsTransient(err) {
		t.Fatalf("AccessDenied should not be transient: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "aws: put lock") {
		t.Fatalf("message prefix lost: %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("missing bucket accepted")
	}
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("missing region accepted")
	}
}

func TestObjectKeyUsesPrefix(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "team"}}
	key, err := s.objectKey("bob smith")
	if err != nil {
		t.Fatalf("object key: %v", err)
	}
	if key != "team/locks/bob%20smith.lock" {
		t.Fatalf("key = %q", key)
	}
}
