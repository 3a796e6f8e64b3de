package runner

import "fmt"

// ErrorCode is a stable tag identifying a Runner Interaction failure,
// surfaced verbatim in a pipeline's deployment_error and in API
// responses per the uniform error wire format.
type ErrorCode string

const (
	CodePipelineNotRunningOrPaused            ErrorCode = "PipelineNotRunningOrPaused"
	CodePipelineEndpointSendError             ErrorCode = "PipelineEndpointSendError"
	CodePipelineEndpointResponseBodyError     ErrorCode = "PipelineEndpointResponseBodyError"
	CodePipelineEndpointResponseJSONParseError ErrorCode = "PipelineEndpointResponseJsonParseError"
	CodePipelineEndpointInvalidResponse       ErrorCode = "PipelineEndpointInvalidResponse"
	CodePipelineProvisioningTimeout           ErrorCode = "PipelineProvisioningTimeout"
	CodePipelineInitializingTimeout           ErrorCode = "PipelineInitializingTimeout"
	CodePipelineShutdownTimeout               ErrorCode = "PipelineShutdownTimeout"
	CodePipelineStartupError                  ErrorCode = "PipelineStartupError"
	CodePipelineShutdownError                 ErrorCode = "PipelineShutdownError"
	CodePortFileParseError                    ErrorCode = "PortFileParseError"
	CodeBinaryFetchError                      ErrorCode = "BinaryFetchError"
	CodePipelineMissingDeploymentLocation     ErrorCode = "PipelineMissingDeploymentLocation"
	CodePipelineMissingProgramInfo            ErrorCode = "PipelineMissingProgramInfo"
	CodePipelineMissingProgramBinaryURL       ErrorCode = "PipelineMissingProgramBinaryUrl"
)

// Error is a RunnerError: a stable code plus a human message, the
// uniform shape every Runner Interaction failure is mapped to before it
// reaches a pipeline's deployment_error or an API response.
type Error struct {
	Code    ErrorCode
	Message string
	URL     string // set for endpoint errors, empty otherwise
}

func (e *Error) Error() string { return e.Message }

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func sendError(url string, err error) *Error {
	return &Error{Code: CodePipelineEndpointSendError, URL: url,
		Message: fmt.Sprintf("sending request to %s failed: %v", url, err)}
}

func responseBodyError(url string, err error) *Error {
	return &Error{Code: CodePipelineEndpointResponseBodyError, URL: url,
		Message: fmt.Sprintf("response body from %s could not be read: %v", url, err)}
}

func jsonParseError(url string, err error) *Error {
	return &Error{Code: CodePipelineEndpointResponseJSONParseError, URL: url,
		Message: fmt.Sprintf("response body of %s could not be parsed as json: %v", url, err)}
}

func invalidResponseError(url string, status int, body string) *Error {
	return &Error{Code: CodePipelineEndpointInvalidResponse, URL: url,
		Message: fmt.Sprintf("unexpected status %d from %s: %s", status, url, body)}
}
