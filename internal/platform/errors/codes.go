// Package errors provides structured error handling for the token custody
// service with machine-readable codes and gRPC status conversion.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Configuration errors
	CodeConfiguration Code = "CONFIGURATION_INVALID"

	// Lookup errors
	CodeIntegrationNotFound  Code = "INTEGRATION_NOT_FOUND"
	CodeTokenNotFound        Code = "TOKEN_NOT_FOUND"
	CodeRefreshTokenNotFound Code = "REFRESH_TOKEN_NOT_FOUND"

	// Custody errors
	CodeDecryptionFailed   Code = "DECRYPTION_FAILED"
	CodeInsufficientScopes Code = "INSUFFICIENT_SCOPES"

	// Collaborator errors
	CodeProviderFailure Code = "PROVIDER_FAILURE"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
)

// GRPCCode maps a domain code to the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeConfiguration:
		return codes.FailedPrecondition
	case CodeIntegrationNotFound, CodeTokenNotFound, CodeRefreshTokenNotFound:
		return codes.NotFound
	case CodeDecryptionFailed:
		return codes.DataLoss
	case CodeInsufficientScopes:
		return codes.PermissionDenied
	case CodeProviderFailure:
		return codes.Unavailable
	case CodeStorageFailure:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
