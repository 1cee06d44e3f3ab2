package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

// QRService renders links as base64 PNG QR codes. Rendered images are cached in Redis
// when a client is configured.
type QRService struct {
	redis *redis.Client
	ttl   time.Duration
	size  int
}

func NewQRService(client *redis.Client, ttl time.Duration) *QRService {
	return &QRService{
		redis: client,
		ttl:   ttl,
		size:  256,
	}
}

// Render returns content encoded as a base64 PNG QR code.
func (s *QRService) Render(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", invalid("content", "is required")
	}
	key := s.cacheKey(content)

	if s.redis != nil {
		cached, err := s.redis.Get(ctx, key).Result()
		if err == nil {
			return cached, nil
		}
		if err != redis.Nil {
			log.WithError(err).Warn("qr cache unavailable")
		}
	}

	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", errors.Wrap(err, "encode qr")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(s.size)); err != nil {
		return "", errors.Wrap(err, "render qr")
	}
	image := base64.StdEncoding.EncodeToString(buf.Bytes())

	if s.redis != nil && s.ttl > 0 {
		if err := s.redis.Set(ctx, key, image, s.ttl).Err(); err != nil {
			log.WithError(err).Warn("failed to cache qr image")
		}
	}
	return image, nil
}

func (s *QRService) cacheKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("qr:%s", hex.EncodeToString(sum[:]))
}
