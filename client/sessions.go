package client

import (
	"fmt"
	"io"

	"github.com/google/go-tpm/tpmutil"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// Session represents a session in the TPM.
type Session interface {
	// Handle returns the TPM's handle for the session.
	Handle() tpmutil.Handle
	// Authorize generates a new odd nonce and computes the authorization
	// trailer for a command whose parameters digest to inDigest.
	Authorize(inDigest tpm12.Digest) (*tpm12.AuthCommand, error)
	// Validate checks a response trailer against outDigest and takes the
	// next even nonce from it. A nil trailer means the command failed,
	// which ends the session.
	Validate(outDigest tpm12.Digest, auth *tpm12.AuthResponse) error
}

// hmacSession holds the rolling-nonce state shared by every session type.
type hmacSession struct {
	handle    tpmutil.Handle
	key       tpm12.Secret
	nonceEven tpm12.Nonce
	nonceOdd  tpm12.Nonce
	cont      bool
	alive     bool
	rng       io.Reader
}

func (s *hmacSession) Handle() tpmutil.Handle { return s.handle }

// SetContinue sets continueAuthSession for the next command in the session.
func (s *hmacSession) SetContinue(cont bool) { s.cont = cont }

// Alive reports whether the TPM still holds the session.
func (s *hmacSession) Alive() bool { return s.alive }

func (s *hmacSession) Authorize(inDigest tpm12.Digest) (*tpm12.AuthCommand, error) {
	if !s.alive {
		return nil, fmt.Errorf("session %#x has ended", uint32(s.handle))
	}
	if _, err := io.ReadFull(s.rng, s.nonceOdd[:]); err != nil {
		return nil, fmt.Errorf("generating nonceOdd: %w", err)
	}
	return &tpm12.AuthCommand{
		AuthHandle:      tpm12.Handle(s.handle),
		NonceOdd:        s.nonceOdd,
		ContinueSession: s.cont,
		Auth:            tpm12.HMAC(s.key, inDigest[:], s.nonceEven[:], s.nonceOdd[:], boolByte(s.cont)),
	}, nil
}

func (s *hmacSession) Validate(outDigest tpm12.Digest, auth *tpm12.AuthResponse) error {
	if auth == nil {
		s.alive = false
		return nil
	}
	if !tpm12.CheckHMAC(auth.Auth, s.key, outDigest[:], auth.NonceEven[:], s.nonceOdd[:], boolByte(auth.ContinueSession)) {
		s.alive = false
		return fmt.Errorf("response HMAC for session %#x did not verify", uint32(s.handle))
	}
	s.nonceEven = auth.NonceEven
	s.alive = auth.ContinueSession
	return nil
}

// AuthSession is an OIAP or OSAP authorization session.
type AuthSession struct {
	hmacSession
	protocol tpm12.ProtocolID
}

// Protocol returns PIDOIAP or PIDOSAP.
func (s *AuthSession) Protocol() tpm12.ProtocolID { return s.protocol }

// EncAuth encrypts a new authorization secret for a command authorized by
// this OSAP session. It must be called before the command is sent.
func (s *AuthSession) EncAuth(secret tpm12.Secret) (tpm12.Digest, error) {
	if s.protocol != tpm12.PIDOSAP {
		return tpm12.Digest{}, fmt.Errorf("encrypted authorization needs an OSAP session")
	}
	pad := tpm12.SHA1(s.key[:], s.nonceEven[:])
	var enc tpm12.Digest
	copy(enc[:], tpm12.XOR(secret[:], pad[:]))
	return enc, nil
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
