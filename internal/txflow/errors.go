package txflow

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrUserDeclined = errors.New("user declined the signature request")
	ErrCallReverted = errors.New("call reverted")
	ErrNodeRejected = errors.New("node rejected the call")
	ErrInFlight     = errors.New("a transaction for this key is already in flight")
)

// codeUserRejected is the EIP-1193 provider error code for a rejected request.
const codeUserRejected = 4001

// Failure pairs a failure class with the error that caused it.
// errors.Is matches both.
type Failure struct {
	Class error
	Err   error
}

func (f *Failure) Error() string {
	if f.Err == nil || f.Err == f.Class {
		return f.Class.Error()
	}
	return f.Class.Error() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Class}
	}
	return []error{f.Class, f.Err}
}

// Classify maps a provider or node error onto UserDeclined, CallReverted or NodeRejected.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	for _, class := range []error{ErrUserDeclined, ErrCallReverted, ErrNodeRejected} {
		if errors.Is(err, class) {
			return &Failure{Class: class, Err: err}
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return &Failure{Class: ErrUserDeclined, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "user rejected"):
		return &Failure{Class: ErrUserDeclined, Err: err}
	case strings.Contains(msg, "execution reverted"):
		return &Failure{Class: ErrCallReverted, Err: err}
	}
	return &Failure{Class: ErrNodeRejected, Err: err}
}

// ClassName is the failure class label used in metrics and logs.
func ClassName(err error) string {
	switch {
	case errors.Is(err, ErrUserDeclined):
		return "user_declined"
	case errors.Is(err, ErrCallReverted):
		return "reverted"
	case errors.Is(err, ErrInFlight):
		return "in_flight"
	case errors.Is(err, ErrNodeRejected):
		return "node_rejected"
	}
	return "error"
}
