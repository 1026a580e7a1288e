package protocol

import (
	"errors"
	"fmt"
)

// ErrCorruptPacket is returned when a datagram does not have the exact size
// the active mode expects. Callers drop the datagram.
var ErrCorruptPacket = errors.New("corrupt packet")

// HeaderMismatchError reports a header field that disagrees with the
// receiver configuration.
type HeaderMismatchError struct {
	Mode  Mode
	Field string
	Got   int64
	Want  int64
}

func (e *HeaderMismatchError) Error() string {
	if e.Field == "fpga_seq_num" {
		return fmt.Sprintf("%s header: invalid %s %d", e.Mode, e.Field, e.Got)
	}
	return fmt.Sprintf("%s header: %s is %d, config expects %d", e.Mode, e.Field, e.Got, e.Want)
}

func mismatch(m Mode, field string, got, want int64) error {
	if got == want {
		return nil
	}
	return &HeaderMismatchError{Mode: m, Field: field, Got: got, Want: want}
}
