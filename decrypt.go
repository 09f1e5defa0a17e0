package lidcore

import (
	"context"
	"fmt"

	"go.mau.fi/libsignal/protocol"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
)

// DecryptMessage decrypts ciphertext received from jidStr. msgType must be
// "pkmsg" (pre-key message, establishes a session) or "msg" (ordinary
// whisper message); any other value fails with ErrUnknownMessageType.
// Cipher errors are returned wrapped in ErrCipherError; the original error
// stays reachable through errors.Is and errors.As.
func (r *Repository) DecryptMessage(ctx context.Context, jidStr, msgType string, ciphertext []byte) ([]byte, error) {
	from, err := jid.Parse(jidStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	address := protocolAddress(from)
	cipher := r.cipherFor(address)

	switch msgType {
	case "pkmsg":
		msg, err := protocol.NewPreKeySignalMessageFromBytes(ciphertext, r.serializer.PreKeySignalMessage, r.serializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
		}
		plaintext, err := cipher.DecryptMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
		}
		return plaintext, nil
	case "msg":
		msg, err := protocol.NewSignalMessageFromBytes(ciphertext, r.serializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
		}
		plaintext, err := cipher.Decrypt(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownMessageType, msgType)
	}
}
