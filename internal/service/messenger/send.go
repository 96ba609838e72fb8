package messenger

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"movemsg/internal/cache"
	"movemsg/internal/keydir"
	"movemsg/internal/model"
	"movemsg/internal/payload"
	"movemsg/internal/policy"
	"movemsg/internal/protocol/envelope"
	"movemsg/internal/transport"

	"movemsg/internal/utils/log"

	"go.uber.org/zap"
)

// ErrRateLimited carries the advisory gate verdict back to the composer.
var ErrRateLimited = errors.New("rate limited")

// Send encrypts and submits a payload to a conversation.
//
// Validation failures (policy, rate gate, missing recipient keys) never
// create an optimistic entry. After the optimistic insert, only a transport
// failure rolls it back; the caller keeps the composed text so the user can
// retry.
func (m *Messenger) Send(ctx context.Context, conversationID string, p payload.Payload) (*model.Message, error) {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if !policy.For(*conv).CanPost(m.self) {
		return nil, fmt.Errorf("%w: cannot post to this conversation", policy.ErrDenied)
	}

	gate, err := m.api.CheckActionAllowed(ctx, "message:send", conversationID)
	if err != nil {
		// The gate is advisory defense-in-depth; if it is unreachable the
		// server-side enforcement still applies.
		log.Debug("rate gate unreachable, proceeding", zap.Error(err))
	} else if !gate.OK {
		return nil, fmt.Errorf("%w: %s (retry in %dms)", ErrRateLimited, gate.Reason, gate.RetryAfterMs)
	}

	body, err := m.encryptFor(ctx, conv, p)
	if err != nil {
		return nil, err
	}

	pending := model.NewPendingMessage(conversationID, m.self, body)
	preview := payload.Preview(p)
	m.cache.Apply(
		cache.UpsertMessage(pending),
		cache.BumpConversation(conversationID, func(c model.Conversation) model.Conversation {
			c.LastMessagePreview = preview
			c.LastMessageAt = pending.CreatedAt
			return c
		}),
	)

	sent, err := m.api.SendMessage(ctx, conversationID, body)
	if err != nil {
		m.cache.Apply(cache.RemoveMessage(conversationID, pending.ID))
		return nil, fmt.Errorf("%w: %v", transport.ErrTransportFailure, err)
	}

	m.cache.Apply(cache.ResolvePending(pending.ID, *sent))
	return sent, nil
}

// StartConversation creates a thread with the given participants and sends
// the first message. For a 1:1 with a non-mutual contact the server creates
// the conversation in pending state with us as the requester.
func (m *Messenger) StartConversation(ctx context.Context, participants []string, group *model.GroupMetadata, first payload.Payload) (*model.Conversation, error) {
	participants = model.NormalizeIdentities(append(participants, m.self))

	if group != nil {
		if err := policy.ValidateGroup(group, len(participants)); err != nil {
			return nil, err
		}
	} else if len(participants) != 2 {
		return nil, fmt.Errorf("%w: direct conversations have exactly two participants", policy.ErrDenied)
	}

	gate, err := m.api.CheckActionAllowed(ctx, "conversation:create", "")
	if err == nil && !gate.OK {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, gate.Reason)
	}

	// Resolve keys before creating anything so a missing recipient key
	// fails the whole action with no server-side residue.
	resolution, err := m.dir.ResolveAll(ctx, participants)
	if err != nil {
		return nil, err
	}
	if len(resolution.Missing) > 0 {
		return nil, fmt.Errorf("%w: %v", keydir.ErrKeyNotFound, resolution.Missing)
	}

	conv, err := m.api.CreateConversation(ctx, participants, group)
	if err != nil {
		return nil, err
	}
	m.cache.Apply(cache.UpsertConversation(*conv))

	if first != nil {
		if _, err := m.Send(ctx, conv.ID, first); err != nil {
			return conv, err
		}
	}
	return conv, nil
}

// encryptFor packs a payload into the conversation's envelope form: single
// for 1:1, per-recipient fan-out for groups.
func (m *Messenger) encryptFor(ctx context.Context, conv *model.Conversation, p payload.Payload) (string, error) {
	plaintext, err := payload.Encode(p)
	if err != nil {
		return "", err
	}

	kp, err := m.keys.GetOrCreate(ctx, m.self)
	if err != nil {
		return "", err
	}

	resolution, err := m.dir.ResolveAll(ctx, conv.Participants)
	if err != nil {
		return "", err
	}
	if len(resolution.Missing) > 0 {
		return "", fmt.Errorf("%w: %v", keydir.ErrKeyNotFound, resolution.Missing)
	}

	var env *envelope.Envelope
	if conv.IsGroup {
		env, err = envelope.EncryptGroup(plaintext, kp.Private, resolution.Keys)
	} else {
		peer := conv.PeerOf(m.self)
		peerPub, ok := resolution.Keys[peer]
		if !ok {
			return "", fmt.Errorf("%w: %s", keydir.ErrKeyNotFound, peer)
		}
		var key []byte
		key, err = envelope.PairwiseKey(kp.Private, peerPub)
		if err == nil {
			env, err = envelope.EncryptText(plaintext, key)
		}
	}
	if err != nil {
		return "", err
	}

	return envelope.Pack(env)
}

const maxAttachmentBytes = 25 << 20

var allowedAttachmentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"video/mp4",
	"application/pdf",
}

// SendMedia uploads a local file and sends it as a media attachment. The
// sensitive flag is inferred from the caption and URL unless the caller
// already knows better.
func (m *Messenger) SendMedia(ctx context.Context, conversationID, path, caption string) (*model.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	url, err := m.api.Upload(ctx, filepath.Base(path), mimeType, f, transport.UploadOptions{
		MaxBytes:         maxAttachmentBytes,
		AllowedMimeTypes: allowedAttachmentTypes,
	})
	if err != nil {
		return nil, err
	}

	return m.Send(ctx, conversationID, payload.Media{
		URL:       url,
		Caption:   caption,
		Sensitive: payload.InferSensitive(caption, url),
	})
}

func (m *Messenger) conversation(ctx context.Context, id string) (*model.Conversation, error) {
	if conv, ok := m.cache.Snapshot().Conversation(id); ok {
		return &conv, nil
	}
	conv, err := m.api.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache.Apply(cache.UpsertConversation(*conv))
	return conv, nil
}
