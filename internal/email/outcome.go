package email

// Outcome is the delivery result reported back to the sender. Values other
// than the constants below come verbatim from the webhook response.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeError    Outcome = "error"
)

func (o Outcome) String() string {
	return string(o)
}
