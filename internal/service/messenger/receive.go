package messenger

import (
	"context"
	"fmt"

	"movemsg/internal/model"
	"movemsg/internal/payload"
	"movemsg/internal/protocol/envelope"
)

// Decrypt resolves a message body to its payload. Legacy plaintext bodies
// decode directly. Any cryptographic failure returns
// envelope.ErrDecryptionFailed; the caller renders a terminal placeholder
// and never retries.
func (m *Messenger) Decrypt(ctx context.Context, conv *model.Conversation, msg *model.Message) (payload.Payload, error) {
	if !envelope.IsEncryptedBody(msg.Body) {
		return payload.Decode(msg.Body), nil
	}

	env, err := envelope.Unpack(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrDecryptionFailed, err)
	}

	entry, err := env.ForRecipient(m.self)
	if err != nil {
		// A participant absent from the recipients map can never read this
		// message; that includes members added after it was sent.
		return nil, fmt.Errorf("%w: %v", envelope.ErrDecryptionFailed, err)
	}

	kp, err := m.keys.GetOrCreate(ctx, m.self)
	if err != nil {
		return nil, err
	}

	// The counterparty of the pairwise key: for fan-out entries it is the
	// sender; for a 1:1 envelope it is the peer regardless of direction.
	counterparty := model.NormalizeIdentity(msg.SenderIdentity)
	if !conv.IsGroup {
		counterparty = conv.PeerOf(m.self)
	}

	peerPub, err := m.dir.FetchPublicKey(ctx, counterparty)
	if err != nil {
		return nil, fmt.Errorf("%w: counterparty key: %v", envelope.ErrDecryptionFailed, err)
	}

	key, err := envelope.PairwiseKey(kp.Private, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrDecryptionFailed, err)
	}

	plaintext, err := envelope.DecryptText(entry, key)
	if err != nil {
		return nil, err
	}
	return payload.Decode(plaintext), nil
}
