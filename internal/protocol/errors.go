package protocol

import "errors"

var (
	ErrTruncated          = errors.New("protocol: truncated datagram")
	ErrValueTooLong       = errors.New("protocol: value exceeds u16 length prefix")
	ErrNoRecipients       = errors.New("protocol: envelope has no recipients")
	ErrTooManyRecipients  = errors.New("protocol: envelope has more than 255 recipients")
	ErrMalformedEnvelope  = errors.New("protocol: malformed envelope")
	ErrUnexpectedTrailing = errors.New("protocol: unexpected trailing bytes")
)
