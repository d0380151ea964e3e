package email

import "errors"

var (
	// ErrEmptyRecipientList means a Draft didn't name any recipients.
	ErrEmptyRecipientList = errors.New("no recipients given")
	// ErrInvalidRecipient wraps the address that failed to parse.
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidSender    = errors.New("invalid sender")
	// ErrInvalidContentType is returned for body or attachment media types
	// that mime.ParseMediaType rejects.
	ErrInvalidContentType = errors.New("invalid content type")
	ErrInvalidAttachment  = errors.New("invalid attachment")
	// ErrAttachmentSize means an attachment's declared size doesn't match
	// the number of bytes it carries.
	ErrAttachmentSize  = errors.New("attachment size mismatch")
	ErrMessageTooLarge = errors.New("message exceeds the maximum size")
)
