package stage

import (
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/nucleus/sync-core/internal/core"
)

const (
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodeObjectNotFound      = "E_OBJECT_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeTimeout             = "E_TIMEOUT"
	CodeStageWriteFailed    = "E_STAGE_WRITE_FAILED"
	CodeStageReadFailed     = "E_STAGE_READ_FAILED"
)

// classifyMinioError maps minio-go failures onto stage error codes.
func classifyMinioError(err error) *core.Error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket":
		return core.Wrap(CodeBucketNotFound, false, err)
	case "NoSuchKey":
		return core.Wrap(CodeObjectNotFound, false, err)
	case "AccessDenied":
		return core.Wrap(CodePermissionDenied, false, err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return core.Wrap(CodeAuthInvalid, false, err)
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return core.Wrap(CodeTimeout, true, err)
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return core.Wrap(CodeEndpointUnreachable, true, err)
	}
	return core.Wrap(CodeStageWriteFailed, true, err)
}
