// Package email defines the core email data model shared by the relay pipeline.
package email

// Message represents an inbound email after parsing.
type Message struct {
	// From and To are the decoded header values as written by the sender.
	From    string
	To      string
	Subject string
	// Date is the raw Date header, empty when absent.
	Date      string
	MessageID string

	// SenderAddress is the bare address parsed from From, or empty if the
	// header could not be parsed.
	SenderAddress string

	Attachments []Attachment
}

// Attachment describes an attachment that was written to the attachment store.
// The content itself is not kept in memory.
type Attachment struct {
	// Filename is the name declared by the sender and must not be trusted.
	Filename string
	Size     int64
	// Path is where the store wrote the content.
	Path string
}

// Payload is the JSON body posted to the webhook. Field order is the wire order.
type Payload struct {
	From        string              `json:"from"`
	To          string              `json:"to"`
	Subject     string              `json:"subject"`
	Date        string              `json:"date,omitempty"`
	Attachments []PayloadAttachment `json:"attachments"`
}

// PayloadAttachment is the attachment metadata exposed to the webhook.
type PayloadAttachment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// NewPayload projects a parsed message onto the webhook payload.
func NewPayload(msg *Message) *Payload {
	p := &Payload{
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		Date:        msg.Date,
		Attachments: make([]PayloadAttachment, 0, len(msg.Attachments)),
	}
	for _, att := range msg.Attachments {
		p.Attachments = append(p.Attachments, PayloadAttachment{
			Filename: att.Filename,
			Size:     att.Size,
		})
	}
	return p
}
