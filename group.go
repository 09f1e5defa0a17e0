package lidcore

import (
	"context"
	"fmt"

	"go.mau.fi/libsignal/groups"
	"go.mau.fi/libsignal/protocol"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
)

func senderKeyName(group string, author jid.JID) *protocol.SenderKeyName {
	return protocol.NewSenderKeyName(group, protocolAddress(author))
}

func (r *Repository) groupBuilder() *groups.SessionBuilder {
	return groups.NewGroupSessionBuilder(r.store, r.serializer)
}

// EncryptGroupMessage encrypts data for group under the sender key named
// by (group, me), creating the sender-key record and distribution message
// if none exists yet.
func (r *Repository) EncryptGroupMessage(ctx context.Context, group, me string, data []byte) (*GroupEncryptResult, error) {
	if group == "" {
		return nil, fmt.Errorf("%w", errs.ErrMissingGroupID)
	}
	meJID, err := jid.Parse(me)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	name := senderKeyName(group, meJID)

	builder := r.groupBuilder()
	distribution, err := builder.Create(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
	}

	cipher := groups.NewGroupCipher(builder, name, r.store)
	ciphertext, err := cipher.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
	}

	return &GroupEncryptResult{Ciphertext: ciphertext, Distribution: distribution.Serialize()}, nil
}

// DecryptGroupMessage decrypts msg sent to group by author, using the
// sender-key record stored for (group, author).
func (r *Repository) DecryptGroupMessage(ctx context.Context, group, author string, msg []byte) ([]byte, error) {
	if group == "" {
		return nil, fmt.Errorf("%w", errs.ErrMissingGroupID)
	}
	authorJID, err := jid.Parse(author)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	name := senderKeyName(group, authorJID)

	builder := r.groupBuilder()
	cipher := groups.NewGroupCipher(builder, name, r.store)
	plaintext, err := cipher.Decrypt(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
	}
	return plaintext, nil
}

// ProcessSenderKeyDistribution installs a received sender-key distribution
// message from author for group, creating an empty sender-key record
// first if none exists.
func (r *Repository) ProcessSenderKeyDistribution(ctx context.Context, groupID, author string, distribution []byte) error {
	if groupID == "" {
		return fmt.Errorf("%w", errs.ErrMissingGroupID)
	}
	authorJID, err := jid.Parse(author)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	name := senderKeyName(groupID, authorJID)

	msg, err := protocol.NewSenderKeyDistributionMessageFromBytes(distribution, r.serializer.SenderKeyDistributionMessage)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrCipherError, err)
	}

	builder := r.groupBuilder()
	if err := builder.Process(name, msg); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrCipherError, err)
	}
	return nil
}
