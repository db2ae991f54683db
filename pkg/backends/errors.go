package backends

import (
	"fmt"
)

// TransportError is returned when a chat request fails at the transport
// level: the endpoint answered with a non-success status or the connection
// broke. Requests failing this way are never retried.
type TransportError struct {
	Endpoint   string
	StatusCode int
	// Body holds the beginning of the response body of a failed request.
	Body string
	Err  error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("request to %s failed with status %d: %s", e.Endpoint, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("request to %s failed with status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnsupportedCapabilityError is returned by operations a backend does not implement.
type UnsupportedCapabilityError struct {
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	if e.Capability == "" {
		return "unsupported capability"
	}
	return fmt.Sprintf("unsupported capability: %s", e.Capability)
}

// Is makes every UnsupportedCapabilityError match ErrUnsupportedCapability.
func (e *UnsupportedCapabilityError) Is(target error) bool {
	_, ok := target.(*UnsupportedCapabilityError)
	return ok
}

var ErrUnsupportedCapability = &UnsupportedCapabilityError{}

// MetadataParseError reports a generation metadata header that could not be
// decoded. It never fails a generation.
type MetadataParseError struct {
	Header string
	Value  string
	Err    error
}

func (e *MetadataParseError) Error() string {
	return fmt.Sprintf("could not parse %s header: %v", e.Header, e.Err)
}

func (e *MetadataParseError) Unwrap() error {
	return e.Err
}
