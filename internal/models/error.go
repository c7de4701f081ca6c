package models

// BaseError is the base type for API errors
type BaseError struct {
	Error string `json:"error" example:"something bad"`
}

// ValidationError is returned in the body of an HTTP 422
type ValidationError struct {
	BaseError
	Field string `json:"field,omitempty"`
}

func NewBadPayloadError() ValidationError {
	return ValidationError{
		BaseError: BaseError{
			Error: "request json is invalid",
		},
	}
}

func NewBadPathParameterError(param string) ValidationError {
	return ValidationError{
		Field: param,
		BaseError: BaseError{
			Error: "path parameter invalid",
		},
	}
}

func NewFieldValidationError(field string, reason string) ValidationError {
	return ValidationError{
		Field: field,
		BaseError: BaseError{
			Error: reason,
		},
	}
}

// NotFoundError is returned in the body of an HTTP 404
type NotFoundError struct {
	BaseError
	Resource string `json:"resource,omitempty"`
}

func NewNotFoundError(resource string) NotFoundError {
	return NotFoundError{
		Resource: resource,
		BaseError: BaseError{
			Error: "not found",
		},
	}
}

// AuthError is returned in the body of an HTTP 401.  The message is
// deliberately uniform: callers must not be able to distinguish a missing
// credential from an invalid or expired one.
type AuthError struct {
	BaseError
}

func NewAuthError() AuthError {
	return AuthError{
		BaseError: BaseError{
			Error: "invalid credentials",
		},
	}
}

// ServiceUnavailableError is returned in the body of an HTTP 503 when the
// ingest queue cannot accept work.
type ServiceUnavailableError struct {
	BaseError
}

func NewServiceUnavailableError() ServiceUnavailableError {
	return ServiceUnavailableError{
		BaseError: BaseError{
			Error: "service unavailable",
		},
	}
}

// InternalServerError is returned in the body of an HTTP 500
type InternalServerError struct {
	BaseError
}

func NewInternalServerError() InternalServerError {
	return InternalServerError{
		BaseError: BaseError{
			Error: "internal server error",
		},
	}
}
