package wire

import (
	"fmt"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

// Signed is a message authenticated by a signature over SigningBytes.
type Signed interface {
	Message
	Sender() consensus.ValidatorID
	signature() []byte
	setSignature([]byte)
	unsigned() Message
}

// SigningBytes is the kind tag followed by the canonical encoding of the
// message with its signature cleared.
func SigningBytes(m Signed) ([]byte, error) {
	body, err := marshal(m.unsigned())
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s for signing: %w", m.Kind(), err)
	}
	return append([]byte{byte(m.Kind())}, body...), nil
}

// Sign sets the message signature.
func Sign(m Signed, signer consensus.Signer) error {
	msg, err := SigningBytes(m)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", m.Kind(), err)
	}
	m.setSignature(sig)
	return nil
}

// Verify checks the message signature against publicKey.
func Verify(m Signed, verifier consensus.Verifier, publicKey []byte) bool {
	sig := m.signature()
	if len(sig) == 0 {
		return false
	}
	msg, err := SigningBytes(m)
	if err != nil {
		return false
	}
	return verifier.Verify(msg, sig, publicKey)
}

// SignatureOf exposes a signed message's signature, e.g. for replay digests.
func SignatureOf(m Signed) []byte {
	return m.signature()
}
