package tpm12

import (
	"crypto/aes"
	"crypto/cipher"
)

// TransportCrypt encrypts or decrypts the parameters carried by a transport
// session, which are the same operation for every supported cipher. label
// is "in" for commands and "out" for responses.
//
// MGF1 sessions XOR the data with MGF1(even || odd || label || authData).
// AES128 sessions key the cipher with the first 16 bytes of authData and
// take the IV from MGF1(even || odd || label).
func TransportCrypt(pub *TransportPublic, authData Secret, even, odd Nonce, label string, data []byte) ([]byte, error) {
	seed := make([]byte, 0, 2*NonceSize+len(label)+AuthDataSize)
	seed = append(seed, even[:]...)
	seed = append(seed, odd[:]...)
	seed = append(seed, label...)
	switch pub.AlgID {
	case AlgMGF1:
		seed = append(seed, authData[:]...)
		return XOR(data, MGF1(seed, len(data))), nil
	case AlgAES128:
		block, err := aes.NewCipher(authData[:16])
		if err != nil {
			return nil, Fatalf("AES key: %v", err)
		}
		iv := MGF1(seed, aes.BlockSize)
		var stream cipher.Stream
		switch pub.EncScheme {
		case ESSymCTR:
			stream = cipher.NewCTR(block, iv)
		case ESSymOFB:
			stream = cipher.NewOFB(block, iv)
		default:
			return nil, Errorf(RCInappropriateEnc, "AES128 with encryption scheme %#x", pub.EncScheme)
		}
		out := make([]byte, len(data))
		stream.XORKeyStream(out, data)
		return out, nil
	}
	return nil, Errorf(RCBadKeyProperty, "transport algorithm %#x", uint32(pub.AlgID))
}
