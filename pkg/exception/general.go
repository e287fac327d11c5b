package exception

import "github.com/yanun0323/errors"

// General errors shared across packages. Wrap them with context; callers match with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTypeUnsupported = errors.New("type unsupported")
	ErrInResponseError = errors.New("there is an error in response error field")
)
