package bus

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
)

// Signer is the identity provider's signing capability. Key management lives
// outside the bus; the bus only asks for a signature over a packet digest.
type Signer interface {
	KeyID() string
	Sign(digest []byte) (string, error)
}

// Verifier checks a signature produced by a Signer.
type Verifier interface {
	Verify(keyID string, digest []byte, signature string) error
}

// digestEnvelope is the signed portion of a packet. The custody chain is
// excluded because it keeps growing after dispatch.
type digestEnvelope struct {
	TrackingID   string `cbor:"1,keyasint"`
	Origin       string `cbor:"2,keyasint"`
	DispatchedAt int64  `cbor:"3,keyasint"`
	SpeechAct    string `cbor:"4,keyasint"`
	Subject      string `cbor:"5,keyasint"`
	ContentType  string `cbor:"6,keyasint"`
	Contents     []byte `cbor:"7,keyasint"`
}

// PacketDigest computes the blake3 digest of a packet's envelope over its
// deterministic CBOR encoding.
func PacketDigest(p *Packet) ([]byte, error) {
	encoded, err := cborEnc.Marshal(digestEnvelope{
		TrackingID:   p.TrackingID,
		Origin:       p.Origin,
		DispatchedAt: p.DispatchedAt.UnixNano(),
		SpeechAct:    string(p.SpeechAct),
		Subject:      p.Subject,
		ContentType:  p.Contents.ContentType,
		Contents:     p.Contents.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet envelope: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return sum[:], nil
}

// VerifyPacket recomputes the digest and, when the packet is signed, checks the
// signature with v. An unsigned packet with a matching digest verifies.
func VerifyPacket(p *Packet, v Verifier) error {
	digest, err := PacketDigest(p)
	if err != nil {
		return err
	}
	if hex.EncodeToString(digest) != p.Digest {
		return fmt.Errorf("packet %s digest mismatch", p.TrackingID)
	}
	if p.Signature == "" {
		return nil
	}
	if v == nil {
		return fmt.Errorf("packet %s is signed but no verifier was supplied", p.TrackingID)
	}
	return v.Verify(p.Signer, digest, p.Signature)
}

// NewPacket stamps a packet with a tracking id, dispatch time and the first
// custody entry (origin, action).
func (c *Client) NewPacket(origin string, act SpeechAct, subject, action string, contents Payload) (*Packet, error) {
	now := c.now()
	p := &Packet{
		TrackingID:   uuid.New().String(),
		Origin:       origin,
		DispatchedAt: now,
		SpeechAct:    act,
		Subject:      subject,
		Contents:     contents,
		ChainOfCustody: []CustodyEntry{
			{AgentID: origin, Action: action, Timestamp: now},
		},
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	digest, err := PacketDigest(p)
	if err != nil {
		return nil, err
	}
	p.Digest = hex.EncodeToString(digest)
	if c.signer != nil {
		sig, err := c.signer.Sign(digest)
		if err != nil {
			return nil, fmt.Errorf("failed to sign packet: %w", err)
		}
		p.Signer = c.signer.KeyID()
		p.Signature = sig
	}
	return p, nil
}

// WritePacket stores the envelope and its custody chain with the packet TTL.
func (c *Client) WritePacket(ctx context.Context, p *Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	custody, err := CustodyToValues(p.ChainOfCustody)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, PacketKey(p.TrackingID), PacketToHash(p))
		pipe.Expire(ctx, PacketKey(p.TrackingID), c.packetTTL)
		if len(custody) > 0 {
			pipe.RPush(ctx, PacketCustodyKey(p.TrackingID), custody...)
			pipe.Expire(ctx, PacketCustodyKey(p.TrackingID), c.packetTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write packet to Redis: %w", err)
	}
	return nil
}

// Dispatch builds, signs and writes a packet in one call.
func (c *Client) Dispatch(ctx context.Context, origin string, act SpeechAct, subject, action string, contents Payload) (*Packet, error) {
	p, err := c.NewPacket(origin, act, subject, action, contents)
	if err != nil {
		return nil, err
	}
	if err := c.WritePacket(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPacket retrieves a packet with its full custody chain.
// Returns (nil, nil) if the packet does not exist or has expired.
func (c *Client) GetPacket(ctx context.Context, trackingID string) (*Packet, error) {
	var hashCmd *redis.MapStringStringCmd
	var custodyCmd *redis.StringSliceCmd
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, PacketKey(trackingID))
		custodyCmd = pipe.LRange(ctx, PacketCustodyKey(trackingID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read packet from Redis: %w", err)
	}
	hash := hashCmd.Val()
	if len(hash) == 0 {
		return nil, nil
	}

	p, err := HashToPacket(hash, custodyCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize packet: %w", err)
	}
	return p, nil
}

// AppendCustody records that agentID performed action on the packet.
// The chain only grows: RPUSHX appends at the tail and does nothing when the
// packet has expired, in which case false is returned.
func (c *Client) AppendCustody(ctx context.Context, trackingID, agentID, action string) (bool, error) {
	if agentID == "" || action == "" {
		return false, &ValidationError{Entity: "custody entry", Field: "agent_id/action", Reason: "cannot be empty"}
	}
	values, err := CustodyToValues([]CustodyEntry{{AgentID: agentID, Action: action, Timestamp: c.now()}})
	if err != nil {
		return false, err
	}

	n, err := c.rdb.RPushX(ctx, PacketCustodyKey(trackingID), values...).Result()
	if err != nil {
		return false, fmt.Errorf("failed to append custody entry: %w", err)
	}
	return n > 0, nil
}

// trace dispatches the companion packet for an entity write. Entity and packet
// are separate keys and not written transactionally; a failure here is logged
// and the entity write still stands. Readers treat a missing packet as untraced.
func (c *Client) trace(ctx context.Context, origin string, act SpeechAct, subject, action string, contents Payload) *Packet {
	p, err := c.Dispatch(ctx, origin, act, subject, action, contents)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("subject", subject).
			Str("action", action).
			Msg("entity written without companion packet")
		return nil
	}
	return p
}
