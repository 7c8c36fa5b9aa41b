package events

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const signingKeyFile = ".journal-signing.key"

// Signer computes HMAC-SHA256 signatures over records.
type Signer struct {
	key []byte
}

// NewSigner uses hexKey when set. Otherwise it loads the key file from
// dataDir, generating one on first use.
func NewSigner(dataDir, hexKey string) (*Signer, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid journal signing key: %w", err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("journal signing key too short: got %d bytes, want at least 32", len(key))
		}
		return &Signer{key: key}, nil
	}

	keyPath := filepath.Join(dataDir, signingKeyFile)
	if raw, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(string(raw))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("corrupt journal signing key at %s", keyPath)
		}
		log.Debug().Str("path", keyPath).Msg("Loaded journal signing key")
		return &Signer{key: key}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate journal signing key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory for journal signing key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save journal signing key: %w", err)
	}
	log.Info().Str("path", keyPath).Msg("Generated new journal signing key")
	return &Signer{key: key}, nil
}

// Sign returns the hex signature of rec's canonical form.
func (s *Signer) Sign(rec Record) (string, error) {
	canonical, err := canonicalForm(rec)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether rec.Signature matches its content.
func (s *Signer) Verify(rec Record) bool {
	if rec.Signature == "" {
		return false
	}
	expected, err := s.Sign(rec)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(rec.Signature))
}

type signedFields struct {
	_           struct{} `cbor:",toarray"`
	ID          string
	Instruction string
	Op          string
	Timestamp   int64
	Kind        string
	Payload     []byte
}

func canonicalForm(rec Record) ([]byte, error) {
	payload, err := EncodePayload(rec.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", rec.Kind, err)
	}
	return cborEnc.Marshal(signedFields{
		ID:          rec.ID,
		Instruction: rec.Instruction,
		Op:          rec.Op,
		Timestamp:   rec.Timestamp.UnixNano(),
		Kind:        string(rec.Kind),
		Payload:     payload,
	})
}
