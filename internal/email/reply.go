package email

// Reply is an outbound status message addressed to the original sender.
type Reply struct {
	From    string
	To      string
	Subject string
	Body    string

	// Raw is the fully composed RFC 5322 message including headers.
	Raw []byte
}
