// Package auth signs outgoing stream requests.
//
// Two schemes are supported: OAuth 1.0a HMAC-SHA1 with the protocol
// parameters carried in the query string, and an RSA-PSS key signature
// carried in request headers.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Header names set by KeySigner.
const (
	HeaderAccessKey       = "X-Stream-Access-Key"
	HeaderAccessTimestamp = "X-Stream-Access-Timestamp"
	HeaderAccessSignature = "X-Stream-Access-Signature"
)

var (
	ErrMissingKeyID = errors.New("key ID is required")
	ErrMissingKey   = errors.New("private key is required")
	ErrNotRSA       = errors.New("key is not an RSA private key")
	ErrNoPEM        = errors.New("no PEM block found")
)

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Credentials pairs a key ID with the RSA key registered for it.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// LoadCredentials reads the PEM key at privateKeyPath.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("%w: private_key_path is empty", ErrMissingKey)
	}

	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	return &Credentials{KeyID: keyID, PrivateKey: key}, nil
}

// LoadPrivateKey reads and parses an RSA key file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// ParsePrivateKey decodes the first PEM block in data. Both PKCS#8
// ("PRIVATE KEY") and PKCS#1 ("RSA PRIVATE KEY") encodings are accepted.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEM
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrNotRSA, key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// KeySigner signs requests with RSA-PSS over SigningPayload. The signed
// request URI includes the query, so the subscription list cannot be altered
// without invalidating the signature.
type KeySigner struct {
	creds *Credentials
	now   func() time.Time
}

// NewKeySigner returns a signer for the given credentials.
func NewKeySigner(creds *Credentials) (*KeySigner, error) {
	switch {
	case creds == nil || creds.PrivateKey == nil:
		return nil, ErrMissingKey
	case creds.KeyID == "":
		return nil, ErrMissingKeyID
	}
	return &KeySigner{creds: creds, now: time.Now}, nil
}

// Sign sets the access key, timestamp and signature headers on req.
func (s *KeySigner) Sign(req *http.Request) error {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)

	digest := sha256.Sum256([]byte(SigningPayload(ts, req)))
	sig, err := rsa.SignPSS(rand.Reader, s.creds.PrivateKey, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return fmt.Errorf("sign stream request: %w", err)
	}

	req.Header.Set(HeaderAccessKey, s.creds.KeyID)
	req.Header.Set(HeaderAccessTimestamp, ts)
	req.Header.Set(HeaderAccessSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// SigningPayload is the string KeySigner signs: the millisecond timestamp,
// the method and the request URI, concatenated.
func SigningPayload(timestampMs string, req *http.Request) string {
	return timestampMs + req.Method + req.URL.RequestURI()
}
