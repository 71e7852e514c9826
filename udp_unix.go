//go:build unix

package rdgram

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isMessageTooLong(err error) bool {
	return errors.Is(err, unix.EMSGSIZE)
}
