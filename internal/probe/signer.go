package probe

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/yuuki/flowping/internal/model"
)

// ErrSignature is returned for ping payloads that fail verification
var ErrSignature = errors.New("invalid ping signature")

type pingClaims struct {
	PingID        string `json:"pid"`
	Source        string `json:"src"`
	Dest          string `json:"dst"`
	SendTime      int64  `json:"ts"`
	SenderLatency int64  `json:"lat"`
	jwt.RegisteredClaims
}

// Signer signs and verifies ping payloads with a shared HMAC secret
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for secret
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing secret must not be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign encodes data as a signed token
func (s *Signer) Sign(data PingData) ([]byte, error) {
	claims := pingClaims{
		PingID:        data.PingID.String(),
		Source:        string(data.Source),
		Dest:          string(data.Dest),
		SendTime:      data.SendTime.UnixNano(),
		SenderLatency: int64(data.SenderLatency),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign ping %s: %w", data.PingID, err)
	}
	return []byte(signed), nil
}

// Verify checks the signature of raw and decodes it
func (s *Signer) Verify(raw []byte) (PingData, error) {
	claims := &pingClaims{}
	token, err := jwt.ParseWithClaims(string(raw), claims, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return PingData{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if !token.Valid {
		return PingData{}, ErrSignature
	}

	pingID, err := uuid.Parse(claims.PingID)
	if err != nil {
		return PingData{}, fmt.Errorf("%w: bad ping id: %v", ErrSignature, err)
	}
	return PingData{
		PingID:        pingID,
		Source:        model.DeviceID(claims.Source),
		Dest:          model.DeviceID(claims.Dest),
		SendTime:      time.Unix(0, claims.SendTime),
		SenderLatency: time.Duration(claims.SenderLatency),
	}, nil
}
