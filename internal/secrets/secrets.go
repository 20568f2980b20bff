package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/singleflight"
)

var base64Pattern = regexp.MustCompile(`^([A-Za-z0-9+/]{4})*([A-Za-z0-9+/]{4}|[A-Za-z0-9+/]{3}=|[A-Za-z0-9+/]{2}==)$`)

type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type KMSDecrypter struct {
	client KMSAPI
	keyID  string
}

// NewKMSDecrypter decrypts with client. keyID is optional for symmetric
// keys, KMS reads it from the ciphertext.
func NewKMSDecrypter(client KMSAPI, keyID string) *KMSDecrypter {
	return &KMSDecrypter{client: client, keyID: strings.TrimSpace(keyID)}
}

func (d *KMSDecrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	input := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if d.keyID != "" {
		input.KeyId = aws.String(d.keyID)
	}
	out, err := d.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// Cache decrypts base64 encoded ciphertexts once and remembers the result
// for the life of the process. Values that are not base64, and every value
// when the cache is disabled, pass through unchanged.
type Cache struct {
	decrypter Decrypter
	disabled  bool

	mu     sync.RWMutex
	values map[string]string
	group  singleflight.Group
}

func NewCache(decrypter Decrypter, disabled bool) *Cache {
	return &Cache{
		decrypter: decrypter,
		disabled:  disabled,
		values:    map[string]string{},
	}
}

func (c *Cache) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	ciphertext = strings.TrimSpace(ciphertext)
	c.mu.RLock()
	value, ok := c.values[ciphertext]
	c.mu.RUnlock()
	if ok {
		return value, nil
	}
	if c.disabled || c.decrypter == nil || !base64Pattern.MatchString(ciphertext) {
		return ciphertext, nil
	}

	result, err, _ := c.group.Do(ciphertext, func() (any, error) {
		blob, err := base64.StdEncoding.DecodeString(ciphertext)
		if err != nil {
			return "", err
		}
		plain, err := c.decrypter.Decrypt(context.WithoutCancel(ctx), blob)
		if err != nil {
			return "", err
		}
		value := ciphertext
		if len(plain) > 0 {
			value = string(plain)
		}
		c.mu.Lock()
		c.values[ciphertext] = value
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Len reports how many ciphertexts have been decrypted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
