package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

func (c *Client) authenticate(ctx context.Context) error {
	expires := time.Now().UnixMilli() + 5_000
	params := authParams{
		APIKey:    c.apiKey,
		Expires:   expires,
		Signature: sign(c.secret, fmt.Sprintf("AUTH%s%d", c.apiKey, expires)),
	}

	if err := c.call(ctx, methodAuth, params, nil); err != nil {
		return fmt.Errorf("bridge auth: %w", err)
	}
	return nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
