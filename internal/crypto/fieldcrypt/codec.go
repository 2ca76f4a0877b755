// Package fieldcrypt шифрует персональные поля на границе хранилища.
//
// Формат конверта: v1:<iv>:<ciphertext>:<tag>, части в base64url без паддинга.
// Encrypt не шифрует повторно конверты, созданные тем же ключом, Decrypt возвращает
// как есть значения, которые конвертом не являются.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	envelopeVersion = "v1"
	envelopeSep     = ":"
	keySize         = 32
	nonceSize       = 12
	tagSize         = 16
	hkdfInfo        = "storefront/pii/aes-256-gcm"
)

var encoding = base64.RawURLEncoding

// ErrSecretRequired возвращается, если секрет шифрования не задан.
var ErrSecretRequired = errors.New("field encryption secret is required")

// Codec шифрует и расшифровывает строковые поля AES-256-GCM.
type Codec struct {
	aead cipher.AEAD
	rand io.Reader
}

// New выводит ключ из секрета через HKDF-SHA256 и создаёт кодек.
func New(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive field key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Codec{aead: aead, rand: rand.Reader}, nil
}

// Encrypt шифрует значение. Пустые строки и конверты этого ключа возвращаются без изменений.
// Строка в форме конверта, которая не проходит проверку тега, шифруется как обычный текст.
func (c *Codec) Encrypt(plain string) (string, error) {
	if plain == "" {
		return plain, nil
	}
	if env, ok := parseEnvelope(plain); ok {
		if _, err := c.open(env); err == nil {
			return plain, nil
		}
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		envelopeVersion,
		encoding.EncodeToString(nonce),
		encoding.EncodeToString(ct),
		encoding.EncodeToString(tag),
	}, envelopeSep), nil
}

// Decrypt расшифровывает конверт. Не-конверт возвращается как есть,
// конверт с неверным тегом даёт domain.ErrDecrypt.
func (c *Codec) Decrypt(value string) (string, error) {
	env, ok := parseEnvelope(value)
	if !ok {
		return value, nil
	}

	plain, err := c.open(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecrypt, err)
	}
	return string(plain), nil
}

func (c *Codec) open(env envelope) ([]byte, error) {
	sealed := make([]byte, 0, len(env.ct)+len(env.tag))
	sealed = append(sealed, env.ct...)
	sealed = append(sealed, env.tag...)
	return c.aead.Open(nil, env.nonce, sealed, nil)
}

// SealFields шифрует поля по месту. При ошибке поля могут быть изменены частично.
func (c *Codec) SealFields(fields ...*string) error {
	for _, field := range fields {
		if field == nil {
			continue
		}
		enc, err := c.Encrypt(*field)
		if err != nil {
			return err
		}
		*field = enc
	}
	return nil
}

// OpenFields расшифровывает поля по месту.
func (c *Codec) OpenFields(fields ...*string) error {
	for _, field := range fields {
		if field == nil {
			continue
		}
		plain, err := c.Decrypt(*field)
		if err != nil {
			return err
		}
		*field = plain
	}
	return nil
}

type envelope struct {
	nonce []byte
	ct    []byte
	tag   []byte
}

// IsEnvelope сообщает, что строка структурно является конвертом кодека.
func IsEnvelope(value string) bool {
	_, ok := parseEnvelope(value)
	return ok
}

func parseEnvelope(value string) (envelope, bool) {
	if !strings.HasPrefix(value, envelopeVersion+envelopeSep) {
		return envelope{}, false
	}
	parts := strings.Split(value, envelopeSep)
	if len(parts) != 4 {
		return envelope{}, false
	}

	nonce, err := encoding.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSize {
		return envelope{}, false
	}
	ct, err := encoding.DecodeString(parts[2])
	if err != nil {
		return envelope{}, false
	}
	tag, err := encoding.DecodeString(parts[3])
	if err != nil || len(tag) != tagSize {
		return envelope{}, false
	}

	return envelope{nonce: nonce, ct: ct, tag: tag}, true
}
