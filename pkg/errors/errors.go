package errors

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	grpccodes "google.golang.org/grpc/codes"
)

// Code is the type representing a namespace error code.
type Code[MT any] struct {
	Code     uint16
	Name     string
	GrpcCode grpccodes.Code
}

// New creates a new error with the given code and the message
func (c Code[MT]) New(msg string, args ...any) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: fmt.Errorf(msg, args...),
	}
}

// Wrap creates a new Error with the given code and the cause error
func (c Code[MT]) Wrap(cause error) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: cause,
	}
}

// Is returns whether err, or any error it wraps, carries this code.
func (c Code[MT]) Is(err error) bool {
	var typed Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code() == c.Code
}

func (c Code[MT]) String() string {
	return fmt.Sprintf("%s (%d)", c.Name, c.Code)
}

type Error interface {
	error
	Log() *log.Entry
	Code() uint16
	CodeName() string
	GrpcCode() grpccodes.Code
	Metadata() map[string]string
}

type TypedError[MT any] interface {
	Error
	WithMetadata(MT) TypedError[MT]
}

// ErrorImpl is the default concrete implementation of TypedError.
type ErrorImpl[MT any] struct {
	code     Code[MT]
	cause    error
	metadata MT
}

func (e *ErrorImpl[MT]) Log() *log.Entry {
	return log.WithField("name", e.code.Name).
		WithField("code", e.code.Code).
		WithField("metadata", e.metadata)
}

func (e *ErrorImpl[MT]) Metadata() map[string]string {
	// convert any metadata to map[string]string
	metadata := make(map[string]string)
	buf, err := json.Marshal(e.metadata)
	if err == nil {
		var genericMap map[string]any
		if err := json.Unmarshal(buf, &genericMap); err == nil {
			for k, v := range genericMap {
				vStr := ""
				if v != nil {
					vStr = fmt.Sprintf("%v", v)
				}
				metadata[k] = vStr
			}
		}
	}
	return metadata
}

func (e *ErrorImpl[MT]) GrpcCode() grpccodes.Code {
	return e.code.GrpcCode
}

func (e *ErrorImpl[MT]) Code() uint16 {
	return e.code.Code
}

func (e *ErrorImpl[MT]) CodeName() string {
	return e.code.Name
}

// Error() implements the error interface.
func (e *ErrorImpl[MT]) Error() string {
	return fmt.Sprintf("%s: %s", e.code.String(), e.cause.Error())
}

func (e *ErrorImpl[MT]) Unwrap() error {
	return e.cause
}

func (e *ErrorImpl[MT]) WithMetadata(metadata MT) TypedError[MT] {
	e.metadata = metadata
	return e
}

// IsConcurrencyConflict tells whether the error was caused by a concurrent attempt
// to mutate the same intent. Callers use it to decide between retrying with fresh
// data and abandoning the operation.
func IsConcurrencyConflict(err error) bool {
	return INTENT_LOCKED.Is(err) || INTENT_VERSION_CONFLICT.Is(err) ||
		VTXO_ALREADY_REGISTERED.Is(err)
}

// IsProtocolViolation tells whether the error is fatal for the current batch attempt.
func IsProtocolViolation(err error) bool {
	var typed Error
	if !errors.As(err, &typed) {
		return false
	}
	_, ok := protocolViolations[typed.Code()]
	return ok
}

type VtxoMetadata struct {
	VtxoOutpoint string `json:"vtxo_outpoint"`
}

type IntentMetadata struct {
	IntentTxid string `json:"intent_txid"`
}

type IntentStateMetadata struct {
	IntentTxid string `json:"intent_txid"`
	State      string `json:"state"`
	Transition string `json:"transition"`
}

type IntentVersionMetadata struct {
	IntentTxid      string `json:"intent_txid"`
	ExpectedVersion uint   `json:"expected_version"`
	GotVersion      uint   `json:"got_version"`
}

type BatchMetadata struct {
	BatchId string `json:"batch_id"`
}

type TreeMetadata struct {
	BatchId string `json:"batch_id"`
	Txid    string `json:"txid,omitempty"`
}

type ConnectorsMetadata struct {
	BatchId            string `json:"batch_id"`
	AvailableConnector int    `json:"available_connectors"`
	RequiredConnector  int    `json:"required_connectors"`
}

type MissingOutputMetadata struct {
	BatchId string `json:"batch_id"`
	Script  string `json:"script"`
	Amount  uint64 `json:"amount"`
	Onchain bool   `json:"onchain"`
}

type TransportMetadata struct {
	Method string `json:"method"`
}

var INTERNAL_ERROR = Code[map[string]any]{0, "INTERNAL_ERROR", grpccodes.Internal}

var INVALID_VTXO_TREE = Code[TreeMetadata]{1, "INVALID_VTXO_TREE", grpccodes.InvalidArgument}

var INVALID_CONNECTOR_TREE = Code[TreeMetadata]{
	2,
	"INVALID_CONNECTOR_TREE",
	grpccodes.InvalidArgument,
}
var NONCE_MISMATCH = Code[TreeMetadata]{3, "NONCE_MISMATCH", grpccodes.InvalidArgument}

var INSUFFICIENT_CONNECTORS = Code[ConnectorsMetadata]{
	4,
	"INSUFFICIENT_CONNECTORS",
	grpccodes.FailedPrecondition,
}
var MISSING_OUTPUT = Code[MissingOutputMetadata]{5, "MISSING_OUTPUT", grpccodes.InvalidArgument}

var VTXO_ALREADY_REGISTERED = Code[VtxoMetadata]{
	6,
	"VTXO_ALREADY_REGISTERED",
	grpccodes.AlreadyExists,
}
var INTENT_LOCKED = Code[IntentMetadata]{7, "INTENT_LOCKED", grpccodes.Aborted}

var INTENT_VERSION_CONFLICT = Code[IntentVersionMetadata]{
	8,
	"INTENT_VERSION_CONFLICT",
	grpccodes.Aborted,
}

var INVALID_INTENT_STATE = Code[IntentStateMetadata]{
	9,
	"INVALID_INTENT_STATE",
	grpccodes.FailedPrecondition,
}
var INTENT_NOT_FOUND = Code[IntentMetadata]{10, "INTENT_NOT_FOUND", grpccodes.NotFound}
var VTXO_NOT_FOUND = Code[VtxoMetadata]{11, "VTXO_NOT_FOUND", grpccodes.NotFound}
var BATCH_FAILED = Code[BatchMetadata]{12, "BATCH_FAILED", grpccodes.Aborted}
var TRANSPORT_ERROR = Code[TransportMetadata]{13, "TRANSPORT_ERROR", grpccodes.Unavailable}

var protocolViolations = map[uint16]struct{}{
	INVALID_VTXO_TREE.Code:       {},
	INVALID_CONNECTOR_TREE.Code:  {},
	NONCE_MISMATCH.Code:          {},
	INSUFFICIENT_CONNECTORS.Code: {},
	MISSING_OUTPUT.Code:          {},
}
