package models

import "fmt"

type ExitStatus int

func (e ExitStatus) Error() string {
	return fmt.Sprintf("exit %d", int(e))
}

// WaitStatus encodes an exit code the way wait4 reports it:
// WEXITSTATUS lives in bits 8..15.
func WaitStatus(code int) int32 {
	return int32(code&0xff) << 8
}
