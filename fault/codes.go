package fault

import "errors"

// ErrorCode is the numeric status reported at the library boundary.
type ErrorCode int

const (
	Success ErrorCode = 0

	CommonInvalidState     ErrorCode = 112
	CommonInvalidStructure ErrorCode = 113
	CommonIOError          ErrorCode = 114

	PoolLedgerNotCreatedError          ErrorCode = 300
	PoolLedgerInvalidPoolHandle        ErrorCode = 301
	PoolLedgerTerminated               ErrorCode = 302
	LedgerInvalidTransaction           ErrorCode = 304
	PoolLedgerConfigAlreadyExistsError ErrorCode = 306
	PoolLedgerTimeout                  ErrorCode = 307
)

// String returns the string representation of ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "Success"
	case CommonInvalidState:
		return "CommonInvalidState"
	case CommonInvalidStructure:
		return "CommonInvalidStructure"
	case CommonIOError:
		return "CommonIOError"
	case PoolLedgerNotCreatedError:
		return "PoolLedgerNotCreatedError"
	case PoolLedgerInvalidPoolHandle:
		return "PoolLedgerInvalidPoolHandle"
	case PoolLedgerTerminated:
		return "PoolLedgerTerminated"
	case LedgerInvalidTransaction:
		return "LedgerInvalidTransaction"
	case PoolLedgerConfigAlreadyExistsError:
		return "PoolLedgerConfigAlreadyExistsError"
	case PoolLedgerTimeout:
		return "PoolLedgerTimeout"
	default:
		return "Unknown"
	}
}

// CodeOf maps any error onto a status code. nil is Success.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code()
	}
	return CommonIOError
}
