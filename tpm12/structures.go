package tpm12

// AuthCommand is the authorization trailer of a request.
type AuthCommand struct {
	// the handle of the authorization or transport session
	AuthHandle Handle
	// nonce generated by the caller for this command
	NonceOdd Nonce
	// the continue-use flag for the session
	ContinueSession bool
	// HMAC of the command's parameters, the nonces and the continue flag
	Auth Digest
}

// AuthResponse is the authorization trailer of a response.
type AuthResponse struct {
	// nonce generated by the TPM for the next command in this session
	NonceEven Nonce
	// the continue-use flag for the session
	ContinueSession bool
	// HMAC of the response's parameters, the nonces and the continue flag
	Auth Digest
}

// 5.4
type RSAKeyParms struct {
	// the size of the RSA key in bits
	KeyLength uint32
	// the number of prime factors used by this RSA key
	NumPrimes uint32
	// the public exponent; empty means the default of 65537
	Exponent []byte `tpm12:"sized"`
}

// 5.4
type KeyParms struct {
	// the algorithm used by this key
	AlgorithmID AlgorithmID
	// the encryption scheme the key uses
	EncScheme EncScheme
	// the signature scheme the key uses
	SigScheme SigScheme
	// the parameter information dependent upon the key algorithm
	Parms []byte `tpm12:"sized"`
}

// 5.5
type StorePubKey struct {
	// the public key modulus
	Key []byte `tpm12:"sized"`
}

// 5.6
type PubKey struct {
	// information regarding this key
	AlgorithmParms KeyParms
	// the public key information
	PubKey StorePubKey
}

// 10.3
type Key12 struct {
	// TPM_TAG_KEY12
	Tag StructureTag
	// set to 0
	Fill uint16
	// the operations permitted with this key
	KeyUsage KeyUsage
	// the indication of migration, redirection etc.
	KeyFlags KeyFlags
	// the conditions when it is required that authorization be presented
	AuthDataUsage AuthDataUsage
	// the information regarding the algorithm for this key
	AlgorithmParms KeyParms
	// the PCR_INFO_LONG structure; always empty here
	PCRInfo []byte `tpm12:"sized"`
	// the public portion of the key
	PubKey StorePubKey
	// the encrypted TPM_STORE_ASYMKEY or TPM_MIGRATE_ASYMKEY structure
	EncData []byte `tpm12:"sized"`
}

// 10.6
type StorePrivKey struct {
	// the private prime p of the RSA key
	Key []byte `tpm12:"sized"`
}

// 10.6
type StoreAsymkey struct {
	// the type of entity
	PayloadType PayloadType
	// the authorization data necessary to authorize the use of this key
	UsageAuth Secret
	// the migration authorization data for this key
	MigrationAuth Secret
	// the digest of the corresponding key's public part, excluding encData
	PubDataDigest Digest
	// the private key
	PrivKey StorePrivKey
}

// 10.8
type MigrateAsymkey struct {
	// TPM_PT_MIGRATE, TPM_PT_MAINT or TPM_PT_CMK_MIGRATE
	PayloadType PayloadType
	// a copy of the usageAuth from the TPM_STORE_ASYMKEY structure
	UsageAuth Secret
	// a copy of the pubDataDigest from the TPM_STORE_ASYMKEY structure
	PubDataDigest Digest
	// the second part of the private key
	PartPrivKey []byte `tpm12:"sized"`
}

// 5.7
type MigrationKeyAuth struct {
	// the public key of the migration destination
	MigrationKey PubKey
	// the migration scheme the key may be used with
	MigrationScheme MigrateScheme
	// SHA1(migrationKey || migrationScheme || tpmProof)
	Digest Digest
}

// 5.9
type CMKAuth struct {
	// the digest of the public key of the migration authority
	MigrationAuthorityDigest Digest
	// the digest of the public key of the destination
	DestinationKeyDigest Digest
	// the digest of the public key of the key to be migrated
	SourceKeyDigest Digest
}

// 5.11
type CMKMigAuth struct {
	// TPM_TAG_CMK_MIGAUTH
	Tag StructureTag
	// the digest of the TPM_MSA_COMPOSITE
	MSADigest Digest
	// the digest of the public part of the key
	PubKeyDigest Digest
}

// 5.12
type CMKSigTicket struct {
	// TPM_TAG_CMK_SIGTICKET
	Tag StructureTag
	// the digest of the verification key's TPM_PUBKEY
	VerKeyDigest Digest
	// the data that was signed
	SignedData Digest
}

// 5.13
type CMKMAApproval struct {
	// TPM_TAG_CMK_MA_APPROVAL
	Tag StructureTag
	// the digest of the TPM_MSA_COMPOSITE being approved
	MigrationAuthorityDigest Digest
}

// 5.10
type MSAComposite struct {
	// the digests of the public keys of the migration authorities
	MigAuthDigest []Digest `tpm12:"list"`
}

// 8.1.1
type CurrentTicks struct {
	// TPM_TAG_CURRENT_TICKS
	Tag StructureTag
	// the number of ticks since the start of this tick session
	CurrentTicks uint64
	// the number of microseconds per tick
	TickRate uint16
	// the nonce created by the TPM when resetting the tick counter
	TickNonce Nonce
}

// 13.1
type TransportPublic struct {
	// TPM_TAG_TRANSPORT_PUBLIC
	Tag StructureTag
	// the attributes of this session
	TransAttributes TransportAttributes
	// the algorithm identifier of the symmetric key
	AlgID AlgorithmID
	// the encryption scheme
	EncScheme EncScheme
}

// 13.3
type TransportLogIn struct {
	// TPM_TAG_TRANSPORT_LOG_IN
	Tag StructureTag
	// the actual parameters contained in the digest are subject to the rules of the command
	Parameters Digest
	// the hash of any keys in the transport command
	PubKeyHash Digest
}

// 13.4
type TransportLogOut struct {
	// TPM_TAG_TRANSPORT_LOG_OUT
	Tag StructureTag
	// the current tick count
	CurrentTicks CurrentTicks
	// the actual parameters contained in the digest are subject to the rules of the command
	Parameters Digest
	// the locality that called TPM_ExecuteTransport
	Locality uint32
}

// 13.5
type TransportAuth struct {
	// TPM_TAG_TRANSPORT_AUTH
	Tag StructureTag
	// the authorization value for the transport session
	AuthData Secret
}

// 21.1
type CounterValue struct {
	// TPM_TAG_COUNTER_VALUE
	Tag StructureTag
	// the label for the counter
	Label [CounterLabelSize]byte
	// the 32-bit counter value
	Counter uint32
}

// 11.1
type SignInfo struct {
	// TPM_TAG_SIGNINFO
	Tag StructureTag
	// the ASCII text that identifies what function was performing the signing
	Fixed [4]byte
	// the nonce provided by the caller to prevent replay attacks
	Replay Nonce
	// the data that is being signed
	Data []byte `tpm12:"sized"`
}

// NewCurrentTicks returns a tagged TPM_CURRENT_TICKS.
func NewCurrentTicks(ticks uint64, rate uint16, nonce Nonce) CurrentTicks {
	return CurrentTicks{Tag: StructTagCurrentTicks, CurrentTicks: ticks, TickRate: rate, TickNonce: nonce}
}
