package fits

import "fmt"

// OpenError is returned by Open when the file cannot be decoded.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ReadError reports a keyword that is missing or cannot be converted.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading key %s: %v", e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
