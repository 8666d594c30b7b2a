package services

// PaymentErrorInfo describes one class of payment failure. UserMessage is the
// only text ever shown to a patron; internal diagnostics go to the audit
// event log instead.
type PaymentErrorInfo struct {
	Name        string
	Code        int
	UserMessage string
}

var (
	ErrorInfoConcurrency = PaymentErrorInfo{
		Name:        "ConcurrencyError",
		Code:        -41001,
		UserMessage: "A payment is already in progress. Please try again later.",
	}
	ErrorInfoFingerprintMismatch = PaymentErrorInfo{
		Name:        "FingerprintMismatchError",
		Code:        -41002,
		UserMessage: "Your fines have changed. Please review them and try again.",
	}
	ErrorInfoAdapter = PaymentErrorInfo{
		Name:        "AdapterError",
		Code:        -41003,
		UserMessage: "Payment failed, please retry.",
	}
	ErrorInfoExpired = PaymentErrorInfo{
		Name:        "ExpiredError",
		Code:        -41004,
		UserMessage: "Payment failed, please retry.",
	}
	ErrorInfoStateConflict = PaymentErrorInfo{
		Name:        "StateConflictError",
		Code:        -41005,
		UserMessage: "Payment failed, please retry.",
	}
)

// TransactionError is a structured payment lifecycle error. Detail is kept
// for the event log and never rendered to the patron.
type TransactionError struct {
	Info   PaymentErrorInfo
	Detail string
}

func (e *TransactionError) Error() string {
	if e.Detail == "" {
		return e.Info.Name
	}
	return e.Info.Name + ": " + e.Detail
}

// Is matches two TransactionErrors by their info name, so that
// errors.Is(err, ErrConcurrency) works regardless of detail text.
func (e *TransactionError) Is(target error) bool {
	other, ok := target.(*TransactionError)
	return ok && other.Info.Name == e.Info.Name
}

// Sentinel instances for errors.Is checks.
var (
	ErrConcurrency         = &TransactionError{Info: ErrorInfoConcurrency}
	ErrFingerprintMismatch = &TransactionError{Info: ErrorInfoFingerprintMismatch}
	ErrAdapter             = &TransactionError{Info: ErrorInfoAdapter}
	ErrExpired             = &TransactionError{Info: ErrorInfoExpired}
	ErrStateConflict       = &TransactionError{Info: ErrorInfoStateConflict}
)

func concurrencyError(detail string) error {
	return &TransactionError{Info: ErrorInfoConcurrency, Detail: detail}
}

func adapterError(detail string) error {
	return &TransactionError{Info: ErrorInfoAdapter, Detail: detail}
}

func stateConflictError(detail string) error {
	return &TransactionError{Info: ErrorInfoStateConflict, Detail: detail}
}
