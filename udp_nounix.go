//go:build !unix

package rdgram

func isMessageTooLong(err error) bool {
	return false
}
