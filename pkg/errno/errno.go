package errno

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	switch typed := err.(type) {
	case *Errno:
		return typed.Code, typed.Message
	case Errno:
		return typed.Code, typed.Message
	default:
		return InternalServerError.Code, err.Error()
	}
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Business Errors (20000+)
var (
	ErrPaymentNotFound    = Errno{Code: 20101, Message: "Payment not found"}
	ErrMerchantNotFound   = Errno{Code: 20102, Message: "Merchant not found"}
	ErrPaymentNotActive   = Errno{Code: 20103, Message: "Payment is not in an active state"}
	ErrInvalidAmount      = Errno{Code: 20104, Message: "Amount must be a positive integer (micro-STX)"}
	ErrAddressGeneration  = Errno{Code: 20201, Message: "Deposit address generation failed"}
	ErrContractCallFailed = Errno{Code: 20301, Message: "Settlement contract call failed"}
)
