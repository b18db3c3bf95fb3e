package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeTokenNotFound, "no access credential stored")
	if !stderrors.Is(err, New(CodeTokenNotFound, "different message")) {
		t.Fatal("errors with the same code should match")
	}
	if stderrors.Is(err, New(CodeProviderFailure, "no access credential stored")) {
		t.Fatal("errors with different codes should not match")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(CodeProviderFailure, "provider refresh failed", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("wrapped cause should be reachable through the chain")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(CodeStorageFailure, "persist credential", stderrors.New("disk full")))
	if !HasCode(err, CodeStorageFailure) {
		t.Fatal("expected code to be found through the chain")
	}
	if HasCode(err, CodeDecryptionFailed) {
		t.Fatal("unexpected code match")
	}
	if HasCode(nil, CodeStorageFailure) {
		t.Fatal("nil error should carry no code")
	}
}

func TestToGRPCStatus(t *testing.T) {
	err := WithMetadata(CodeInsufficientScopes, "grant does not cover required scopes", map[string]string{
		"missing_scopes": "calendar.read",
	})

	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected a gRPC status error")
	}
	if st.Code() != codes.PermissionDenied {
		t.Fatalf("grpc code = %v, want PermissionDenied", st.Code())
	}

	var info *errdetails.ErrorInfo
	for _, detail := range st.Details() {
		if d, ok := detail.(*errdetails.ErrorInfo); ok {
			info = d
		}
	}
	if info == nil {
		t.Fatal("expected ErrorInfo detail")
	}
	if info.Reason != string(CodeInsufficientScopes) {
		t.Fatalf("reason = %q, want %q", info.Reason, CodeInsufficientScopes)
	}
	if info.Domain != Domain {
		t.Fatalf("domain = %q, want %q", info.Domain, Domain)
	}
	if info.Metadata["missing_scopes"] != "calendar.read" {
		t.Fatalf("metadata = %v", info.Metadata)
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := []struct {
		code Code
		want codes.Code
	}{
		{CodeConfiguration, codes.FailedPrecondition},
		{CodeIntegrationNotFound, codes.NotFound},
		{CodeTokenNotFound, codes.NotFound},
		{CodeRefreshTokenNotFound, codes.NotFound},
		{CodeDecryptionFailed, codes.DataLoss},
		{CodeInsufficientScopes, codes.PermissionDenied},
		{CodeProviderFailure, codes.Unavailable},
		{CodeStorageFailure, codes.Internal},
		{CodeUnknown, codes.Unknown},
	}
	for _, tc := range cases {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("%s maps to %v, want %v", tc.code, got, tc.want)
		}
	}
}
