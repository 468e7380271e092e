package subscribers

import "context"

// Message is a single outbound HTML email.
type Message struct {
	// From overrides the sender's default address when set.
	From    string
	To      string
	Subject string
	Body    string
}

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
