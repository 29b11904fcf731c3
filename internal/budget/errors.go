package budget

import "fmt"

// ErrExceeded is returned when usage surpasses configured limits.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
	}
	return fmt.Sprintf("budget %s exceeded: usage=%s", e.Kind, e.Usage)
}

// ErrApprovalRequired indicates that a booking needs the user's explicit
// approval before the charge is placed.
type ErrApprovalRequired struct {
	Amount    float64
	Threshold float64
	Currency  string
}

func (e ErrApprovalRequired) Error() string {
	cur := e.Currency
	if cur == "" {
		cur = "THB"
	}
	return fmt.Sprintf("booking amount %.2f %s exceeds approval threshold %.2f %s", e.Amount, cur, e.Threshold, cur)
}
