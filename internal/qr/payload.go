package qr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind tags which variant a payload carries.
type Kind string

const (
	KindVerification Kind = "verification"
	KindIdentity     Kind = "identity"
	KindConversation Kind = "conversation"
)

var (
	ErrSignatureInvalid = errors.New("qr: signature invalid")
	ErrPayloadExpired   = errors.New("qr: payload expired")
	ErrPairMismatch     = errors.New("qr: conversation pair mismatch")
	ErrUnknownKind      = errors.New("qr: unknown payload kind")
	ErrMalformedPayload = errors.New("qr: malformed payload")
	ErrNonceReused      = errors.New("qr: nonce already used")
)

// MaxClockSkew is how far in the future a payload timestamp may lie before
// the payload is rejected.
const MaxClockSkew = 30 * time.Second

// MaxAge returns how long a payload of kind stays valid after generation.
func MaxAge(kind Kind) (time.Duration, bool) {
	switch kind {
	case KindVerification:
		return 5 * time.Minute, true
	case KindIdentity:
		return 30 * time.Minute, true
	case KindConversation:
		return 10 * time.Minute, true
	}
	return 0, false
}

// Fields are the caller supplied values a payload vouches for. Verification
// and identity payloads use UserID and Username; conversation payloads use
// SenderID and RecipientID.
type Fields struct {
	UserID      int    `json:"userId,omitempty"`
	Username    string `json:"username,omitempty"`
	SenderID    int    `json:"senderId,omitempty"`
	RecipientID int    `json:"recipientId,omitempty"`
}

// Payload is the signed, time-boxed bundle carried inside a QR code.
// Timestamp is in unix milliseconds.
type Payload struct {
	Kind Kind `json:"kind"`
	Fields
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// IssuedAt returns the payload timestamp as a time.Time.
func (p Payload) IssuedAt() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// canonical encodes the signed fields of p in a fixed order, each prefixed
// with its length so no field value can shift bytes into its neighbour. The
// kind is part of the signed material so a payload cannot be relabelled.
func (p Payload) canonical() string {
	parts := []string{string(p.Kind)}
	switch p.Kind {
	case KindConversation:
		parts = append(parts, strconv.Itoa(p.SenderID), strconv.Itoa(p.RecipientID))
	default:
		parts = append(parts, strconv.Itoa(p.UserID), p.Username)
	}
	parts = append(parts, strconv.FormatInt(p.Timestamp, 10), p.Nonce)

	var b strings.Builder
	for _, part := range parts {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

// Decode parses a scanned payload.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := MaxAge(p.Kind); !ok {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if p.Nonce == "" || p.Signature == "" || p.Timestamp == 0 {
		return Payload{}, ErrMalformedPayload
	}
	return p, nil
}

// Service generates and verifies QR payloads.
type Service struct {
	signer *Signer
	nonces NonceStore
	now    func() time.Time
	log    *zap.Logger
}

type Option func(*Service)

// WithNonceStore makes every nonce verifiable only once.
func WithNonceStore(store NonceStore) Option {
	return func(s *Service) { s.nonces = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func NewService(secret []byte, opts ...Option) (*Service, error) {
	signer, err := NewSigner(secret)
	if err != nil {
		return nil, err
	}
	s := &Service{
		signer: signer,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate stamps fields with the current time and a fresh nonce and signs
// the result.
func (s *Service) Generate(kind Kind, fields Fields) (Payload, error) {
	if _, ok := MaxAge(kind); !ok {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p := Payload{
		Kind:      kind,
		Fields:    fields,
		Timestamp: s.now().UnixMilli(),
		Nonce:     uuid.NewString(),
	}
	switch kind {
	case KindConversation:
		p.UserID, p.Username = 0, ""
	default:
		p.SenderID, p.RecipientID = 0, 0
	}
	p.Signature = s.signer.Sign(p.canonical())
	return p, nil
}

func (s *Service) GenerateVerification(userID int, username string) (Payload, error) {
	return s.Generate(KindVerification, Fields{UserID: userID, Username: username})
}

func (s *Service) GenerateIdentity(userID int, username string) (Payload, error) {
	return s.Generate(KindIdentity, Fields{UserID: userID, Username: username})
}

func (s *Service) GenerateConversation(senderID, recipientID int) (Payload, error) {
	return s.Generate(KindConversation, Fields{SenderID: senderID, RecipientID: recipientID})
}

// Verify checks that p is a kind payload with an intact signature that has
// not outlived its window. Conversation payloads must go through
// VerifyConversation.
func (s *Service) Verify(ctx context.Context, kind Kind, p Payload) error {
	if kind == KindConversation {
		return fmt.Errorf("%w: conversation payloads need an expected pair", ErrPairMismatch)
	}
	return s.verify(ctx, kind, p, nil)
}

// VerifyConversation verifies a conversation payload and additionally
// requires it to name exactly senderID and recipientID.
func (s *Service) VerifyConversation(ctx context.Context, p Payload, senderID, recipientID int) error {
	return s.verify(ctx, KindConversation, p, func(p Payload) error {
		if p.SenderID != senderID || p.RecipientID != recipientID {
			return ErrPairMismatch
		}
		return nil
	})
}

func (s *Service) verify(ctx context.Context, kind Kind, p Payload, check func(Payload) error) error {
	maxAge, ok := MaxAge(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if p.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrSignatureInvalid, kind, p.Kind)
	}
	if !s.signer.Verify(p.canonical(), p.Signature) {
		return ErrSignatureInvalid
	}
	age := s.now().Sub(p.IssuedAt())
	if age > maxAge {
		return ErrPayloadExpired
	}
	if age < -MaxClockSkew {
		return fmt.Errorf("%w: issued %s in the future", ErrPayloadExpired, -age)
	}
	if check != nil {
		if err := check(p); err != nil {
			return err
		}
	}
	if s.nonces != nil {
		fresh, err := s.nonces.Consume(ctx, p.Nonce, maxAge)
		if err != nil {
			s.log.Warn("nonce store unavailable", zap.Error(err))
			return fmt.Errorf("qr: consume nonce: %w", err)
		}
		if !fresh {
			return ErrNonceReused
		}
	}
	return nil
}
