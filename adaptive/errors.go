package adaptive

import "fmt"

// ConfigError reports malformed cutoffs or label vectors at construction.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "adaptive: " + e.Msg
}

// RangeError reports a target label outside [0,N). It signals that the label
// space and the cutoffs disagree.
type RangeError struct {
	Row   int
	Label int
	N     int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("adaptive: target %d in row %d outside label space [0,%d)", e.Label, e.Row, e.N)
}
