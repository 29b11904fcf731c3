package server

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// UpdateProfileRequest patches mutable account fields. Nil fields are left
// untouched.
type UpdateProfileRequest struct {
	DisplayName       *string `json:"display_name,omitempty"`
	PushToken         *string `json:"push_token,omitempty"`
	PaymentCustomerID *string `json:"payment_customer_id,omitempty"`
}

// ChatRequest is one user turn. An empty session_id opens a new session.
type ChatRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	TripID         string `json:"trip_id,omitempty"`
	Message        string `json:"message"`
	Mode           string `json:"mode,omitempty"`
	ApproveBooking bool   `json:"approve_booking,omitempty"`
}

// UpdateModeRequest switches a session between normal and agent mode.
type UpdateModeRequest struct {
	Mode string `json:"mode"`
}

// ApprovalDecisionRequest settles a pending booking approval.
type ApprovalDecisionRequest struct {
	Decision string `json:"decision"` // approve or deny
}

// BudgetConfigResponse surfaces the per-session spending guardrails.
type BudgetConfigResponse struct {
	MaxCost           *float64               `json:"max_cost,omitempty"`
	MaxTokens         *int64                 `json:"max_tokens,omitempty"`
	MaxTimeSeconds    *int64                 `json:"max_time_seconds,omitempty"`
	ApprovalThreshold *float64               `json:"approval_threshold,omitempty"`
	RequireApproval   bool                   `json:"require_approval"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateBudgetConfigRequest replaces the per-session spending guardrails.
type UpdateBudgetConfigRequest struct {
	MaxCost           *float64               `json:"max_cost,omitempty"`
	MaxTokens         *int64                 `json:"max_tokens,omitempty"`
	MaxTimeSeconds    *int64                 `json:"max_time_seconds,omitempty"`
	ApprovalThreshold *float64               `json:"approval_threshold,omitempty"`
	RequireApproval   bool                   `json:"require_approval"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// PendingApproval is a booking held for the user's explicit confirmation.
type PendingApproval struct {
	ID            string  `json:"id"`
	TripID        string  `json:"trip_id"`
	BookingAmount float64 `json:"booking_amount"`
	Currency      string  `json:"currency"`
	Threshold     float64 `json:"threshold"`
	Reason        string  `json:"reason,omitempty"`
	Status        string  `json:"status"`
	RequestedAt   string  `json:"requested_at"`
}

// SelectOptionRequest confirms one option from a segment's pool.
type SelectOptionRequest struct {
	OptionID string `json:"option_id"`
}

// BookTripRequest starts the booking pipeline for a fully confirmed trip.
// CardToken is an optional one-off payment token; without it the charge
// falls back to the user's saved payment customer.
type BookTripRequest struct {
	CardToken string `json:"card_token,omitempty"`
}

// TTSRequest asks for a spoken rendition of text.
type TTSRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

// TTSResponse carries synthesized audio.
type TTSResponse struct {
	AudioBase64 string `json:"audio_base64"`
	MIMEType    string `json:"mime_type"`
}

// GuideResponse is a destination guide summary.
type GuideResponse struct {
	Place    string `json:"place"`
	Language string `json:"language,omitempty"`
	Guide    string `json:"guide"`
}

// AdminOverviewResponse aggregates the counters shown on the admin landing.
type AdminOverviewResponse struct {
	Users            int64            `json:"users"`
	Trips            int64            `json:"trips"`
	Sessions         int64            `json:"sessions"`
	ActiveSessions   int64            `json:"active_sessions"`
	BookingsByStatus map[string]int64 `json:"bookings_by_status"`
	LLMCalls         int64            `json:"llm_calls"`
	LLMCost          float64          `json:"llm_cost"`
}
