package tpm12

// 2.2.3
const (
	DigestSize   = 20
	NonceSize    = 20
	AuthDataSize = 20
	// MaxBufferSize is the largest command or response the engine accepts or emits.
	MaxBufferSize = 4096
	// HeaderSize is the length of {tag, paramSize, ordinal/returnCode}.
	HeaderSize = 10
	// AuthCommandSize is the length of one request authorization trailer.
	AuthCommandSize = 4 + NonceSize + 1 + AuthDataSize
	// AuthResponseSize is the length of one response authorization trailer.
	AuthResponseSize = NonceSize + 1 + AuthDataSize
)

// 3.1
const (
	StructTagSignInfo        StructureTag = 0x0005
	StructTagCounterValue    StructureTag = 0x000E
	StructTagTransportLogIn  StructureTag = 0x0010
	StructTagTransportLogOut StructureTag = 0x0011
	StructTagCurrentTicks    StructureTag = 0x0014
	StructTagTransportAuth   StructureTag = 0x001D
	StructTagTransportPublic StructureTag = 0x001E
	StructTagPermanentData   StructureTag = 0x0022
	StructTagKey12           StructureTag = 0x0028
	StructTagCMKMigAuth      StructureTag = 0x0033
	StructTagCMKSigTicket    StructureTag = 0x0034
	StructTagCMKMAApproval   StructureTag = 0x0035
)

// 4.1
const (
	RTKey     ResourceType = 0x00000001
	RTAuth    ResourceType = 0x00000002
	RTHash    ResourceType = 0x00000003
	RTTrans   ResourceType = 0x00000004
	RTContext ResourceType = 0x00000005
	RTCounter ResourceType = 0x00000006
)

// 4.2
const (
	PTAsym              PayloadType = 0x01
	PTBind              PayloadType = 0x02
	PTMigrate           PayloadType = 0x03
	PTMaint             PayloadType = 0x04
	PTSeal              PayloadType = 0x05
	PTMigrateRestricted PayloadType = 0x06
	PTMigrateExternal   PayloadType = 0x07
	PTCMKMigrate        PayloadType = 0x08
)

// 4.3
// The low byte of a TPM_ENTITY_TYPE is the entity, the high byte the ADIP
// encryption scheme.
const (
	ETKeyHandle EntityType = 0x01
	ETOwner     EntityType = 0x02
	ETData      EntityType = 0x03
	ETSRK       EntityType = 0x04
	ETKey       EntityType = 0x05
	ETRevoke    EntityType = 0x06
	ETCounter   EntityType = 0x0A
	ETNV        EntityType = 0x0B
	ETOperator  EntityType = 0x0C
)

// 4.3 ADIP encryption schemes (high byte of the entity type)
const (
	ETXOR       = 0x00
	ETAES128CTR = 0x06
)

// 4.4
const (
	KHSRK       Handle = 0x40000000
	KHOwner     Handle = 0x40000001
	KHRevoke    Handle = 0x40000002
	KHTransport Handle = 0x40000003
	KHOperator  Handle = 0x40000004
	KHAdmin     Handle = 0x40000005
	KHEK        Handle = 0x40000006
)

// 4.5
const (
	STClear       StartupType = 0x0001
	STState       StartupType = 0x0002
	STDeactivated StartupType = 0x0003
)

// 4.8
const (
	PIDNone      ProtocolID = 0x0000
	PIDOIAP      ProtocolID = 0x0001
	PIDOSAP      ProtocolID = 0x0002
	PIDADIP      ProtocolID = 0x0003
	PIDADCP      ProtocolID = 0x0004
	PIDOwner     ProtocolID = 0x0005
	PIDDSAP      ProtocolID = 0x0006
	PIDTransport ProtocolID = 0x0007
)

// 4.9
const (
	AlgRSA    AlgorithmID = 0x00000001
	AlgSHA    AlgorithmID = 0x00000004
	AlgHMAC   AlgorithmID = 0x00000005
	AlgAES128 AlgorithmID = 0x00000006
	AlgMGF1   AlgorithmID = 0x00000007
	AlgAES192 AlgorithmID = 0x00000008
	AlgAES256 AlgorithmID = 0x00000009
	AlgXOR    AlgorithmID = 0x0000000A
)

// 4.11
const (
	MSMigrate         MigrateScheme = 0x0001
	MSRewrap          MigrateScheme = 0x0002
	MSMaint           MigrateScheme = 0x0003
	MSRestrictMigrate MigrateScheme = 0x0004
	MSRestrictApprove MigrateScheme = 0x0005
)

// 5.8
const (
	KeySigning    KeyUsage = 0x0010
	KeyStorage    KeyUsage = 0x0011
	KeyIdentity   KeyUsage = 0x0012
	KeyAuthChange KeyUsage = 0x0013
	KeyBind       KeyUsage = 0x0014
	KeyLegacy     KeyUsage = 0x0015
	KeyMigrate    KeyUsage = 0x0016
)

// 5.8.1
const (
	ESNone            EncScheme = 0x0001
	ESRSAESPKCSv15    EncScheme = 0x0002
	ESRSAESOAEPSHA1   EncScheme = 0x0003
	ESSymCTR          EncScheme = 0x0004
	ESSymOFB          EncScheme = 0x0005
	SSNone            SigScheme = 0x0001
	SSRSASSAPKCS1SHA1 SigScheme = 0x0002
	SSRSASSAPKCS1DER  SigScheme = 0x0003
	SSRSASSAPKCS1INFO SigScheme = 0x0004
)

// 5.9
const (
	AuthNever       AuthDataUsage = 0x00
	AuthAlways      AuthDataUsage = 0x01
	AuthPrivUseOnly AuthDataUsage = 0x03
)

// 5.10
const (
	KeyFlagRedirection      KeyFlags = 0x00000001
	KeyFlagMigratable       KeyFlags = 0x00000002
	KeyFlagIsVolatile       KeyFlags = 0x00000004
	KeyFlagPCRIgnoredOnRead KeyFlags = 0x00000008
	KeyFlagMigrateAuthority KeyFlags = 0x00000010
)

// 6
const (
	TagRquCommand      Tag = 0x00C1
	TagRquAuth1Command Tag = 0x00C2
	TagRquAuth2Command Tag = 0x00C3
	TagRspCommand      Tag = 0x00C4
	TagRspAuth1Command Tag = 0x00C5
	TagRspAuth2Command Tag = 0x00C6
)

// 13.1.1
const (
	TransportEncrypt   TransportAttributes = 0x00000001
	TransportLog       TransportAttributes = 0x00000002
	TransportExclusive TransportAttributes = 0x00000004
)

// 21.1
const (
	CountIDNull    uint32 = 0xFFFFFFFF
	CountIDIllegal uint32 = 0xFFFFFFFE
	// CounterLabelSize is the width of TPM_COUNTER_VALUE.label.
	CounterLabelSize = 4
)

// Minimum resource counts a TPM 1.2 must provide. The engine provides exactly these.
const (
	MinAuthSessions  = 3
	MinTransSessions = 3
	MinCounters      = 4
)

// 17
const (
	OrdOIAP                   Ordinal = 0x0000000A
	OrdOSAP                   Ordinal = 0x0000000B
	OrdCMKCreateTicket        Ordinal = 0x00000012
	OrdCMKCreateKey           Ordinal = 0x00000013
	OrdCMKCreateBlob          Ordinal = 0x0000001B
	OrdCMKSetRestrictions     Ordinal = 0x0000001C
	OrdCMKApproveMA           Ordinal = 0x0000001D
	OrdCMKConvertMigration    Ordinal = 0x00000024
	OrdMigrateKey             Ordinal = 0x00000025
	OrdCreateMigrationBlob    Ordinal = 0x00000028
	OrdConvertMigrationBlob   Ordinal = 0x0000002A
	OrdAuthorizeMigrationKey  Ordinal = 0x0000002B
	OrdGetRandom              Ordinal = 0x00000046
	OrdGetCapability          Ordinal = 0x00000065
	OrdTerminateHandle        Ordinal = 0x00000096
	OrdStartup                Ordinal = 0x00000099
	OrdFlushSpecific          Ordinal = 0x000000BA
	OrdCreateCounter          Ordinal = 0x000000DC
	OrdIncrementCounter       Ordinal = 0x000000DD
	OrdReadCounter            Ordinal = 0x000000DE
	OrdReleaseCounter         Ordinal = 0x000000DF
	OrdReleaseCounterOwner    Ordinal = 0x000000E0
	OrdEstablishTransport     Ordinal = 0x000000E6
	OrdExecuteTransport       Ordinal = 0x000000E7
	OrdReleaseTransportSigned Ordinal = 0x000000E8
	OrdGetTicks               Ordinal = 0x000000F1
)

// 16
const (
	RCSuccess               TPMRC = 0x000
	RCAuthFail              TPMRC = 0x001
	RCBadIndex              TPMRC = 0x002
	RCBadParameter          TPMRC = 0x003
	RCDeactivated           TPMRC = 0x006
	RCDisabled              TPMRC = 0x007
	RCFail                  TPMRC = 0x009
	RCBadOrdinal            TPMRC = 0x00A
	RCInvalidKeyHandle      TPMRC = 0x00C
	RCKeyNotFound           TPMRC = 0x00D
	RCInappropriateEnc      TPMRC = 0x00E
	RCMigrateFail           TPMRC = 0x00F
	RCNoSRK                 TPMRC = 0x012
	RCResources             TPMRC = 0x015
	RCSize                  TPMRC = 0x017
	RCBadParamSize          TPMRC = 0x019
	RCFailedSelfTest        TPMRC = 0x01C
	RCAuth2Fail             TPMRC = 0x01D
	RCBadTag                TPMRC = 0x01E
	RCEncryptError          TPMRC = 0x020
	RCDecryptError          TPMRC = 0x021
	RCInvalidAuthHandle     TPMRC = 0x022
	RCInvalidKeyUsage       TPMRC = 0x024
	RCWrongEntityType       TPMRC = 0x025
	RCInvalidPostInit       TPMRC = 0x026
	RCInappropriateSig      TPMRC = 0x027
	RCBadKeyProperty        TPMRC = 0x028
	RCBadMigration          TPMRC = 0x029
	RCBadScheme             TPMRC = 0x02A
	RCBadDataSize           TPMRC = 0x02B
	RCBadMode               TPMRC = 0x02C
	RCNoWrapTransport       TPMRC = 0x02F
	RCBadType               TPMRC = 0x034
	RCInvalidResource       TPMRC = 0x035
	RCBadLocality           TPMRC = 0x03D
	RCInvalidStructure      TPMRC = 0x043
	RCBadCounter            TPMRC = 0x045
	RCTransportNotExclusive TPMRC = 0x04E
	RCBadHandle             TPMRC = 0x058
	RCMATicketSignature     TPMRC = 0x05C
	RCMADestination         TPMRC = 0x05D
	RCMASource              TPMRC = 0x05E
	RCMAAuthority           TPMRC = 0x05F
	RCBadSignature          TPMRC = 0x062
	RCRetry                 TPMRC = 0x800
	RCDefendLockRunning     TPMRC = 0x803
)

// DefaultExponent is the RSA public exponent implied by an empty exponent field.
const DefaultExponent = 65537
