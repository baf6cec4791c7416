// Package roomkey is a per-room AES-256-GCM keyring. It produces the
// encrypted envelopes the guard accepts and decrypts them on receipt.
package roomkey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/mxd/internal/bus"
	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/matrix"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SecretSize is the length of a generated keyring secret.
	SecretSize = 32
	tagSize    = 16
)

var (
	ErrInvalidSecret   = errors.New("roomkey: secret too short")
	ErrUnknownKey      = errors.New("roomkey: unknown key id")
	ErrInvalidEnvelope = errors.New("roomkey: invalid envelope")
)

// hkdfInfo is bound into every derived room key.
var hkdfInfo = []byte("mxd-room-key-v1")

// Config controls key lifetime. Zero values disable rotation and expiry.
type Config struct {
	RotateAfter time.Duration
	KeyTTL      time.Duration
}

type roomKey struct {
	id      string
	roomID  string
	key     []byte
	created time.Time
}

// Keyring holds the current key of each room plus every key it has seen, so
// envelopes sealed before a rotation still open.
type Keyring struct {
	mu      sync.RWMutex
	secret  []byte
	cfg     Config
	current map[string]*roomKey // room ID -> key
	byID    map[string]*roomKey // key ID -> key

	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// New creates a keyring whose room keys derive from secret.
func New(secret []byte, cfg Config, b *bus.Bus, logger *zap.Logger) (*Keyring, error) {
	if len(secret) < SecretSize {
		return nil, ErrInvalidSecret
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keyring{
		secret:  append([]byte(nil), secret...),
		cfg:     cfg,
		current: make(map[string]*roomKey),
		byID:    make(map[string]*roomKey),
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// LoadOrCreateSecret reads the keyring secret at path, generating and
// persisting a random one (0600) on first use.
func LoadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) < SecretSize {
			return nil, ErrInvalidSecret
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

func (k *Keyring) derive(roomID, keyID string) ([]byte, error) {
	info := append(append([]byte(nil), hkdfInfo...), roomID...)
	r := hkdf.New(sha256.New, k.secret, []byte(keyID), info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

func (k *Keyring) addKey(roomID, keyID string, key []byte) *roomKey {
	rk := &roomKey{id: keyID, roomID: roomID, key: key, created: k.now()}
	k.current[roomID] = rk
	k.byID[keyID] = rk
	return rk
}

// roomKey returns the current key for roomID, creating one if needed.
func (k *Keyring) roomKey(roomID string) (*roomKey, error) {
	k.mu.RLock()
	rk, ok := k.current[roomID]
	k.mu.RUnlock()
	if ok {
		return rk, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if rk, ok := k.current[roomID]; ok {
		return rk, nil
	}
	return k.newKeyLocked(roomID)
}

func (k *Keyring) newKeyLocked(roomID string) (*roomKey, error) {
	keyID := uuid.NewString()
	key, err := k.derive(roomID, keyID)
	if err != nil {
		return nil, err
	}
	rk := k.addKey(roomID, keyID, key)
	k.logger.Info("room key created", zap.String("room_id", roomID), zap.String("key_id", keyID))
	return rk, nil
}

// Rotate replaces roomID's current key. Older keys remain usable for decrypt.
func (k *Keyring) Rotate(roomID string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rk, err := k.newKeyLocked(roomID)
	if err != nil {
		return "", err
	}
	return rk.id, nil
}

// ImportKey installs a key shared by another device and makes it current.
func (k *Keyring) ImportKey(roomID, keyID string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("import key %s: want %d bytes, got %d", keyID, KeySize, len(key))
	}
	k.mu.Lock()
	k.addKey(roomID, keyID, append([]byte(nil), key...))
	k.mu.Unlock()
	return nil
}

// ExportKey returns the current key of roomID for sharing.
func (k *Keyring) ExportKey(roomID string) (keyID string, key []byte, err error) {
	rk, err := k.roomKey(roomID)
	if err != nil {
		return "", nil, err
	}
	return rk.id, append([]byte(nil), rk.key...), nil
}

// Encrypt seals plaintext with roomID's current key.
func (k *Keyring) Encrypt(roomID string, plaintext []byte) (guard.Envelope, error) {
	rk, err := k.roomKey(roomID)
	if err != nil {
		return guard.Envelope{}, err
	}
	gcm, err := newGCM(rk.key)
	if err != nil {
		return guard.Envelope{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return guard.Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, []byte(rk.id))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return guard.Envelope{
		Algorithm:  guard.AlgorithmAESGCM256,
		KeyID:      rk.id,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Timestamp:  k.now().UnixMilli(),
	}, nil
}

// Decrypt opens env with the key it names.
func (k *Keyring) Decrypt(env guard.Envelope) ([]byte, error) {
	if env.Algorithm != guard.AlgorithmAESGCM256 {
		return nil, fmt.Errorf("%w: algorithm %q", ErrInvalidEnvelope, env.Algorithm)
	}
	k.mu.RLock()
	rk, ok := k.byID[env.KeyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, env.KeyID)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrInvalidEnvelope, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrInvalidEnvelope, err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrInvalidEnvelope, err)
	}

	gcm, err := newGCM(rk.key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad nonce or tag size", ErrInvalidEnvelope)
	}
	pt, err := gcm.Open(nil, nonce, append(ct, tag...), []byte(rk.id))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// HasEventKey reports whether the key named by evt's envelope is known.
func (k *Keyring) HasEventKey(_ context.Context, evt *matrix.Event) (bool, error) {
	keyID, _ := evt.Content["key_id"].(string)
	if keyID == "" {
		return false, nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.byID[keyID]
	return ok, nil
}

// DecryptEvent opens an encrypted room event. The plaintext is the JSON
// content of the original m.room.message event.
func (k *Keyring) DecryptEvent(_ context.Context, evt *matrix.Event) (*matrix.Event, error) {
	raw, err := json.Marshal(evt.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	env, err := guard.ParseEnvelope(string(raw))
	if err != nil {
		return nil, err
	}
	pt, err := k.Decrypt(env)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := json.Unmarshal(pt, &content); err != nil {
		return nil, fmt.Errorf("decode plaintext: %w", err)
	}
	return &matrix.Event{
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Type:      matrix.EventMessage,
		Timestamp: evt.Timestamp,
		Content:   content,
	}, nil
}

// RequestRoomKey announces that roomID's keys are wanted. Key exchange
// happens out of band; subscribers of roomkey.requested answer with ImportKey.
func (k *Keyring) RequestRoomKey(_ context.Context, roomID string) error {
	k.logger.Info("room key requested", zap.String("room_id", roomID))
	k.bus.Emit(bus.KindKeyRequested, map[string]any{"room_id": roomID})
	return nil
}

// SessionStatus reports the encryption status of roomID for the guard.
func (k *Keyring) SessionStatus(roomID string) guard.SessionEncryptionStatus {
	k.mu.RLock()
	rk, ok := k.current[roomID]
	k.mu.RUnlock()
	if !ok {
		return guard.SessionEncryptionStatus{Level: "none"}
	}

	st := guard.SessionEncryptionStatus{
		Level:         "high",
		Encrypted:     true,
		Algorithm:     guard.AlgorithmAESGCM256,
		StrengthScore: 100,
	}
	age := k.now().Sub(rk.created)
	if k.cfg.RotateAfter > 0 && age >= k.cfg.RotateAfter {
		st.NeedsRotation = true
	}
	if k.cfg.KeyTTL > 0 {
		st.KeyExpiresAt = rk.created.Add(k.cfg.KeyTTL).UnixMilli()
	}
	return st
}

// EnsureRoom creates roomID's key if it has none.
func (k *Keyring) EnsureRoom(roomID string) error {
	_, err := k.roomKey(roomID)
	return err
}
