package subscription

// Status is the lifecycle state of a Subscription
type Status string

// Defining the states of a Subscription.
// Trialing/Incomplete -> Active
// Active -> PastDue/Canceling
// PastDue -> Active/Canceling
// Canceling -> Active
// Any of the above -> Canceled
// Canceled is terminal, a resubscription gets a new row.
const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceling  Status = "canceling"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// Terminal reports whether no further event may mutate a row in this status
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceling, StatusCanceled, StatusIncomplete:
		return true
	}
	return false
}
