package eventlog

import "fmt"

// ConfigError reports malformed recorded input. It is raised before any
// external call is issued.
type ConfigError struct {
	GlobalIndex int64 // zero when the error is not tied to an event
	Field       string
	Reason      string
}

func (e *ConfigError) Error() string {
	if e.GlobalIndex != 0 {
		return fmt.Sprintf("invalid event %d: %s: %s", e.GlobalIndex, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}
