package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput              = "PROVISIONING_BAD_INPUT"
	ErrorInvalidMapping        = "PROVISIONING_INVALID_MAPPING"
	ErrorAmbiguousCorrelation  = "PROVISIONING_AMBIGUOUS_CORRELATION"
	ErrorConnectorTransient    = "PROVISIONING_CONNECTOR_TRANSIENT"
	ErrorConnectorPermanent    = "PROVISIONING_CONNECTOR_PERMANENT"
	ErrorCapabilityUnsupported = "PROVISIONING_CAPABILITY_UNSUPPORTED"
	ErrorNotFound              = "PROVISIONING_NOT_FOUND"
	ErrorTaskBusy              = "PROVISIONING_TASK_BUSY"
	ErrorLiveTaskStopped       = "PROVISIONING_LIVE_TASK_STOPPED"
	ErrorThrottled             = "PROVISIONING_THROTTLED"
	ErrorInternal              = "PROVISIONING_INTERNAL_ERROR"
)

type MappingErrorKind string

const (
	// MappingInvalid marks configuration errors detected while compiling a mapping.
	MappingInvalid MappingErrorKind = "invalid"
	// MappingMandatory marks a mandatory item that produced no value for one entity.
	MappingMandatory MappingErrorKind = "mandatory"
)

type MappingError struct {
	Kind        MappingErrorKind
	ResourceKey string
	AnyType     string
	IntAttrName string
	Reason      string
}

func (e *MappingError) Error() string {
	var b strings.Builder
	b.WriteString("mapping: ")
	if e.Kind == MappingMandatory {
		b.WriteString("mandatory value missing")
	} else {
		b.WriteString("invalid mapping")
	}
	if e.ResourceKey != "" {
		fmt.Fprintf(&b, " on resource %q", e.ResourceKey)
	}
	if e.AnyType != "" {
		fmt.Fprintf(&b, " for %s", e.AnyType)
	}
	if e.IntAttrName != "" {
		fmt.Fprintf(&b, " (%s)", e.IntAttrName)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *MappingError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryValidation).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(ErrorInvalidMapping).
		WithMetadata(map[string]any{
			"kind":          string(e.Kind),
			"resource_key":  e.ResourceKey,
			"any_type":      e.AnyType,
			"int_attr_name": e.IntAttrName,
		})
}

func NewInvalidMapping(resourceKey, anyType, intAttrName, reason string) *MappingError {
	return &MappingError{
		Kind:        MappingInvalid,
		ResourceKey: strings.TrimSpace(resourceKey),
		AnyType:     strings.TrimSpace(anyType),
		IntAttrName: strings.TrimSpace(intAttrName),
		Reason:      strings.TrimSpace(reason),
	}
}

func IsInvalidMapping(err error) bool {
	var mappingErr *MappingError
	return errors.As(err, &mappingErr) && mappingErr.Kind == MappingInvalid
}

type AmbiguousCorrelationError struct {
	ResourceKey string
	AnyType     string
	Key         string
	Matches     []string
}

func (e *AmbiguousCorrelationError) Error() string {
	return fmt.Sprintf(
		"correlation: ambiguous correlation for %s %q on resource %q: %d matches",
		e.AnyType, e.Key, e.ResourceKey, len(e.Matches),
	)
}

func (e *AmbiguousCorrelationError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(ErrorAmbiguousCorrelation).
		WithMetadata(map[string]any{
			"resource_key": e.ResourceKey,
			"any_type":     e.AnyType,
			"key":          e.Key,
			"matches":      append([]string(nil), e.Matches...),
		})
}

// ConnectorError reports a failed connector call. Transient errors are retried.
type ConnectorError struct {
	ResourceKey string
	Operation   string
	Transient   bool
	RetryAfter  time.Duration
	Err         error
}

func (e *ConnectorError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("connector: %s failure", kind)
	if e.Operation != "" {
		msg += " during " + strings.ToLower(e.Operation)
	}
	if e.ResourceKey != "" {
		msg += fmt.Sprintf(" on resource %q", e.ResourceKey)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

func (e *ConnectorError) ToServiceError() *goerrors.Error {
	category := goerrors.CategoryOperation
	code := ErrorConnectorPermanent
	if e.Transient {
		category = goerrors.CategoryExternal
		code = ErrorConnectorTransient
	}
	metadata := map[string]any{
		"resource_key": e.ResourceKey,
		"operation":    e.Operation,
		"transient":    e.Transient,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), category).
		WithCode(http.StatusBadGateway).
		WithTextCode(code).
		WithMetadata(metadata)
}

func NewTransientError(err error) *ConnectorError {
	return &ConnectorError{Transient: true, Err: err}
}

func NewPermanentError(err error) *ConnectorError {
	return &ConnectorError{Transient: false, Err: err}
}

type CapabilityUnsupportedError struct {
	ResourceKey string
	Capability  Capability
}

func (e *CapabilityUnsupportedError) Error() string {
	return fmt.Sprintf("connector: capability %s not supported by resource %q", e.Capability, e.ResourceKey)
}

func (e *CapabilityUnsupportedError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryOperation).
		WithCode(http.StatusNotImplemented).
		WithTextCode(ErrorCapabilityUnsupported).
		WithMetadata(map[string]any{
			"resource_key": e.ResourceKey,
			"capability":   string(e.Capability),
		})
}

// IsTransient reports whether err should be retried by the propagation policy.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var connectorErr *ConnectorError
	if errors.As(err, &connectorErr) {
		return connectorErr.Transient
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryRateLimit, goerrors.CategoryExternal:
			return true
		}
		switch strings.TrimSpace(strings.ToUpper(richErr.TextCode)) {
		case ErrorConnectorTransient, ErrorThrottled:
			return true
		}
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryAfterHint extracts a retry hint carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var connectorErr *ConnectorError
	if errors.As(err, &connectorErr) && connectorErr.RetryAfter > 0 {
		return connectorErr.RetryAfter
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Metadata != nil {
		if ms, ok := richErr.Metadata["retry_after_ms"].(int64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

type serviceErrorConverter interface {
	ToServiceError() *goerrors.Error
}

// MapError converts any error into a go-errors envelope with a provisioning text code.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var converter serviceErrorConverter
	if errors.As(err, &converter) {
		return ensureErrorEnvelope(converter.ToServiceError())
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrProvisionNotFound),
		errors.Is(err, ErrSchemaNotFound),
		errors.Is(err, ErrPolicyNotFound),
		errors.Is(err, ErrRealmNotFound),
		errors.Is(err, ErrEntityNotFound),
		errors.Is(err, ErrExecutionNotFound),
		errors.Is(err, ErrLinkNotFound),
		errors.Is(err, ErrObjectNotFound),
		errors.Is(err, ErrConnectorNotFound):
		return newProvisioningError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case errors.Is(err, ErrTaskBusy):
		return newProvisioningError(err.Error(), goerrors.CategoryConflict, ErrorTaskBusy)
	case errors.Is(err, ErrLiveTaskStopped):
		return newProvisioningError(err.Error(), goerrors.CategoryConflict, ErrorLiveTaskStopped)
	case errors.Is(err, ErrInvalidExecutionStatusTransition), errors.Is(err, ErrInvalidDirection):
		return newProvisioningError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newProvisioningError(err.Error(), goerrors.CategoryRateLimit, ErrorThrottled)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "unsupported"):
		return newProvisioningError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newProvisioningError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorTaskBusy
	case goerrors.CategoryRateLimit:
		return ErrorThrottled
	case goerrors.CategoryExternal:
		return ErrorConnectorTransient
	case goerrors.CategoryOperation:
		return ErrorConnectorPermanent
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewDependencyError reports a handler that was built without a required
// collaborator.
func NewDependencyError(message string) *goerrors.Error {
	return newProvisioningError(message, goerrors.CategoryInternal, ErrorInternal)
}

// NewFieldError reports one invalid field of a command or query message. The
// scope prefixes the error message, e.g. "command" or "query".
func NewFieldError(scope string, field string, message string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.NewValidation(scope+": validation failed", goerrors.FieldError{
			Field:   field,
			Message: message,
		}).
			WithTextCode(ErrorBadInput).
			WithSeverity(goerrors.SeverityError),
	)
}
