package types

import (
	"errors"
)

// ReasonCode is the stable code attached to a block rejection or a skipped
// production round.
type ReasonCode uint32

const (
	CodeOK ReasonCode = iota
	CodeUnknownParent
	CodeBadProducer
	CodeBadSignatures
	CodeBadTimestamp
	CodeBadStateHash
	CodeBelowIrreversible
	CodeNotDue
	CodeStorageFailure
	CodeInvalidParam
)

var code2string = map[ReasonCode]string{
	CodeOK:                "OK",
	CodeUnknownParent:     "unknown parent",
	CodeBadProducer:       "bad producer",
	CodeBadSignatures:     "bad signatures",
	CodeBadTimestamp:      "bad timestamp",
	CodeBadStateHash:      "bad state hash",
	CodeBelowIrreversible: "below irreversible",
	CodeNotDue:            "not due",
	CodeStorageFailure:    "storage failure",
	CodeInvalidParam:      "invalid param",
}

func (c ReasonCode) IsOK() bool { return c == CodeOK }

func (c ReasonCode) String() string {
	s, ok := code2string[c]
	if !ok {
		return "unknown code"
	}
	return s
}

// CodeOf maps an error returned by the consensus core to its ReasonCode.
func CodeOf(err error) ReasonCode {
	if err == nil {
		return CodeOK
	}

	var invalid ErrInvalidBlock
	if errors.As(err, &invalid) {
		return invalid.Code
	}
	var below ErrBelowIrreversible
	if errors.As(err, &below) {
		return CodeBelowIrreversible
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return CodeUnknownParent
	case errors.Is(err, ErrException):
		return CodeStorageFailure
	default:
		return CodeInvalidParam
	}
}
