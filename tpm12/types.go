package tpm12

import (
	"crypto/subtle"
	"fmt"
)

// 2.2.3
type Tag uint16

type Ordinal uint32

type TPMRC uint32

type Handle uint32

type StructureTag uint16

type ResourceType uint32

type PayloadType uint8

type EntityType uint16

type StartupType uint16

type ProtocolID uint16

type AlgorithmID uint32

type MigrateScheme uint16

type KeyUsage uint16

type EncScheme uint16

type SigScheme uint16

type AuthDataUsage uint8

type KeyFlags uint32

type TransportAttributes uint32

// Digest is a SHA-1 digest.
type Digest [DigestSize]byte

// Nonce is a 20-byte freshness value. Even nonces are generated by the TPM,
// odd nonces by the caller.
type Nonce [NonceSize]byte

// Secret is a 20-byte authorization value, HMAC key or shared secret.
// It formats as a redacted string so that it never reaches a log.
type Secret [AuthDataSize]byte

// Equal compares two secrets in constant time.
func (s Secret) Equal(o Secret) bool {
	return subtle.ConstantTimeCompare(s[:], o[:]) == 1
}

// Zero overwrites the secret.
func (s *Secret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

func (s Secret) String() string { return "Secret(REDACTED)" }

// GoString keeps %#v from printing the bytes.
func (s Secret) GoString() string { return s.String() }

// Equal compares two digests in constant time.
func (d Digest) Equal(o Digest) bool {
	return subtle.ConstantTimeCompare(d[:], o[:]) == 1
}

// IsZero reports whether every byte of the digest is zero.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Secret reinterprets a digest as an authorization value, as TPM 1.2 does
// for OSAP shared secrets and migration authorization digests.
func (d Digest) Secret() Secret { return Secret(d) }

func (o Ordinal) String() string {
	if name, ok := ordinalNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Ordinal(0x%x)", uint32(o))
}

var ordinalNames = map[Ordinal]string{
	OrdOIAP:                   "TPM_OIAP",
	OrdOSAP:                   "TPM_OSAP",
	OrdCMKCreateTicket:        "TPM_CMK_CreateTicket",
	OrdCMKCreateKey:           "TPM_CMK_CreateKey",
	OrdCMKCreateBlob:          "TPM_CMK_CreateBlob",
	OrdCMKSetRestrictions:     "TPM_CMK_SetRestrictions",
	OrdCMKApproveMA:           "TPM_CMK_ApproveMA",
	OrdCMKConvertMigration:    "TPM_CMK_ConvertMigration",
	OrdMigrateKey:             "TPM_MigrateKey",
	OrdCreateMigrationBlob:    "TPM_CreateMigrationBlob",
	OrdConvertMigrationBlob:   "TPM_ConvertMigrationBlob",
	OrdAuthorizeMigrationKey:  "TPM_AuthorizeMigrationKey",
	OrdGetRandom:              "TPM_GetRandom",
	OrdGetCapability:          "TPM_GetCapability",
	OrdTerminateHandle:        "TPM_Terminate_Handle",
	OrdStartup:                "TPM_Startup",
	OrdFlushSpecific:          "TPM_FlushSpecific",
	OrdCreateCounter:          "TPM_CreateCounter",
	OrdIncrementCounter:       "TPM_IncrementCounter",
	OrdReadCounter:            "TPM_ReadCounter",
	OrdReleaseCounter:         "TPM_ReleaseCounter",
	OrdReleaseCounterOwner:    "TPM_ReleaseCounterOwner",
	OrdEstablishTransport:     "TPM_EstablishTransport",
	OrdExecuteTransport:       "TPM_ExecuteTransport",
	OrdReleaseTransportSigned: "TPM_ReleaseTransportSigned",
	OrdGetTicks:               "TPM_GetTicks",
}

// Auths returns the number of authorization trailers a request tag carries,
// or -1 if the tag is not a request tag.
func (t Tag) Auths() int {
	switch t {
	case TagRquCommand:
		return 0
	case TagRquAuth1Command:
		return 1
	case TagRquAuth2Command:
		return 2
	}
	return -1
}

// ResponseTag returns the response tag that answers a request tag.
func (t Tag) ResponseTag() Tag {
	switch t {
	case TagRquAuth1Command:
		return TagRspAuth1Command
	case TagRquAuth2Command:
		return TagRspAuth2Command
	}
	return TagRspCommand
}

// Entity returns the entity type without the ADIP scheme byte.
func (e EntityType) Entity() EntityType { return e & 0xff }

// ADIPScheme returns the ADIP encryption scheme carried in the high byte.
func (e EntityType) ADIPScheme() uint8 { return uint8(e >> 8) }
