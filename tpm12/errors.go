package tpm12

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the engine must react to it, independent
// of the wire return code that reports it.
type Kind int

const (
	KindNone Kind = iota
	// Truncated or oversized wire fields. Always caught before state changes.
	KindMalformed
	// HMAC mismatch. The implicated session is terminated.
	KindAuthFailed
	// Reference to a missing or invalid handle, counter or key.
	KindBadHandle
	// Structural or business-rule violation.
	KindPolicy
	// A fixed-capacity table is full.
	KindResourceExhausted
	// An internal invariant was broken. The instance enters failure mode.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMalformed:
		return "malformed"
	case KindAuthFailed:
		return "auth-failed"
	case KindBadHandle:
		return "bad-handle"
	case KindPolicy:
		return "policy"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var rcNames = map[TPMRC]string{
	RCSuccess:               "TPM_SUCCESS",
	RCAuthFail:              "TPM_AUTHFAIL",
	RCBadIndex:              "TPM_BADINDEX",
	RCBadParameter:          "TPM_BAD_PARAMETER",
	RCDeactivated:           "TPM_DEACTIVATED",
	RCDisabled:              "TPM_DISABLED",
	RCFail:                  "TPM_FAIL",
	RCBadOrdinal:            "TPM_BAD_ORDINAL",
	RCInvalidKeyHandle:      "TPM_INVALID_KEYHANDLE",
	RCKeyNotFound:           "TPM_KEYNOTFOUND",
	RCInappropriateEnc:      "TPM_INAPPROPRIATE_ENC",
	RCMigrateFail:           "TPM_MIGRATEFAIL",
	RCNoSRK:                 "TPM_NOSRK",
	RCResources:             "TPM_RESOURCES",
	RCSize:                  "TPM_SIZE",
	RCBadParamSize:          "TPM_BAD_PARAM_SIZE",
	RCFailedSelfTest:        "TPM_FAILEDSELFTEST",
	RCAuth2Fail:             "TPM_AUTH2FAIL",
	RCBadTag:                "TPM_BADTAG",
	RCEncryptError:          "TPM_ENCRYPT_ERROR",
	RCDecryptError:          "TPM_DECRYPT_ERROR",
	RCInvalidAuthHandle:     "TPM_INVALID_AUTHHANDLE",
	RCInvalidKeyUsage:       "TPM_INVALID_KEYUSAGE",
	RCWrongEntityType:       "TPM_WRONG_ENTITYTYPE",
	RCInvalidPostInit:       "TPM_INVALID_POSTINIT",
	RCInappropriateSig:      "TPM_INAPPROPRIATE_SIG",
	RCBadKeyProperty:        "TPM_BAD_KEY_PROPERTY",
	RCBadMigration:          "TPM_BAD_MIGRATION",
	RCBadScheme:             "TPM_BAD_SCHEME",
	RCBadDataSize:           "TPM_BAD_DATASIZE",
	RCBadMode:               "TPM_BAD_MODE",
	RCNoWrapTransport:       "TPM_NO_WRAP_TRANSPORT",
	RCBadType:               "TPM_BAD_TYPE",
	RCInvalidResource:       "TPM_INVALID_RESOURCE",
	RCBadLocality:           "TPM_BAD_LOCALITY",
	RCInvalidStructure:      "TPM_INVALID_STRUCTURE",
	RCBadCounter:            "TPM_BAD_COUNTER",
	RCTransportNotExclusive: "TPM_TRANSPORT_NOTEXCLUSIVE",
	RCBadHandle:             "TPM_BAD_HANDLE",
	RCMATicketSignature:     "TPM_MA_TICKET_SIGNATURE",
	RCMADestination:         "TPM_MA_DESTINATION",
	RCMASource:              "TPM_MA_SOURCE",
	RCMAAuthority:           "TPM_MA_AUTHORITY",
	RCBadSignature:          "TPM_BAD_SIGNATURE",
	RCRetry:                 "TPM_RETRY",
	RCDefendLockRunning:     "TPM_DEFEND_LOCK_RUNNING",
}

func (r TPMRC) Error() string {
	if name, ok := rcNames[r]; ok {
		return fmt.Sprintf("TPM error code: %x (%s)", uint32(r), name)
	}
	return fmt.Sprintf("TPM error code: %x", uint32(r))
}

// Kind returns the default classification of a return code.
func (r TPMRC) Kind() Kind {
	switch r {
	case RCSuccess:
		return KindNone
	case RCBadParamSize, RCBadTag, RCBadDataSize, RCBadOrdinal:
		return KindMalformed
	case RCAuthFail, RCAuth2Fail:
		return KindAuthFailed
	case RCInvalidAuthHandle, RCBadCounter, RCInvalidKeyHandle, RCKeyNotFound, RCBadHandle, RCInvalidResource:
		return KindBadHandle
	case RCResources, RCSize:
		return KindResourceExhausted
	case RCFail:
		return KindFatal
	}
	return KindPolicy
}

// Error is an engine error: a wire return code, a classification and the
// underlying cause.
type Error struct {
	RC   TPMRC
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.RC.Error()
	}
	return fmt.Sprintf("%v: %v", e.RC, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches either another *Error with the same code and kind, or a bare
// TPMRC with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case TPMRC:
		return e.RC == t
	case *Error:
		return e.RC == t.RC && e.Kind == t.Kind
	}
	return false
}

// Errorf returns an error reporting rc, classified by rc's default kind.
func Errorf(rc TPMRC, format string, args ...interface{}) error {
	return &Error{RC: rc, Kind: rc.Kind(), Err: fmt.Errorf(format, args...)}
}

// KindErrorf returns an error reporting rc with an explicit classification.
func KindErrorf(rc TPMRC, kind Kind, format string, args ...interface{}) error {
	return &Error{RC: rc, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Fatalf returns an internal-consistency error. The dispatcher puts the
// instance into failure mode when it sees one.
func Fatalf(format string, args ...interface{}) error {
	return &Error{RC: RCFail, Kind: KindFatal, Err: fmt.Errorf(format, args...)}
}

// RCOf returns the wire return code that reports err.
func RCOf(err error) TPMRC {
	if err == nil {
		return RCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.RC
	}
	var rc TPMRC
	if errors.As(err, &rc) {
		return rc
	}
	return RCFail
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var rc TPMRC
	if errors.As(err, &rc) {
		return rc.Kind()
	}
	return KindFatal
}
