package schema

import "time"

// TransactionStatus is the state of a credit reservation transaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// CostBreakdown itemizes an execution cost estimate.
type CostBreakdown struct {
	StepCount        int   `json:"stepCount"`
	BaseCost         int64 `json:"baseCost"`
	FunctionCalls    int   `json:"functionCalls"`
	FunctionCallCost int64 `json:"functionCallCost"`
	GasEstimate      int64 `json:"gasEstimate"`
	PlatformFee      int64 `json:"platformFee"`
	Total            int64 `json:"total"`
}

// CreditReservation is the balance hold created for one execution.
type CreditReservation struct {
	TransactionID  string            `json:"transactionId"`
	ExecutionID    string            `json:"executionId"`
	OrganizationID string            `json:"organizationId"`
	Amount         int64             `json:"amount"`
	Status         TransactionStatus `json:"status"`
	BalanceAfter   int64             `json:"balanceAfter"`
	Breakdown      *CostBreakdown    `json:"breakdown,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	SettledAt      *time.Time        `json:"settledAt,omitempty"`
}

// ReserveRequest asks for a reservation of Amount credits for one execution.
type ReserveRequest struct {
	OrganizationID string         `json:"organizationId"`
	ExecutionID    string         `json:"executionId"`
	Amount         int64          `json:"amount"`
	Breakdown      *CostBreakdown `json:"breakdown,omitempty"`
}

// ReserveResult is the outcome of a reservation attempt.
type ReserveResult struct {
	Success        bool   `json:"success"`
	TransactionID  string `json:"transactionId,omitempty"`
	NewBalance     int64  `json:"newBalance"`
	Error          string `json:"error,omitempty"`
	CurrentBalance *int64 `json:"currentBalance,omitempty"`
	Required       *int64 `json:"required,omitempty"`
}

// FinalizeResult is the outcome of finalizing a reservation.
type FinalizeResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId"`
}

// ReleaseResult is the outcome of releasing a reservation.
type ReleaseResult struct {
	Success         bool  `json:"success"`
	CreditsReturned int64 `json:"creditsReturned"`
	NewBalance      int64 `json:"newBalance"`
}

// NewInsufficientCreditsError builds the reservation denial error.
func NewInsufficientCreditsError(current, required int64) *ChainflowError {
	return NewErrorf(ErrCodeInsufficientCredits, "insufficient credits: balance %d, required %d", current, required).
		WithDetails(map[string]any{"current_balance": current, "required": required})
}
