package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token is an OAuth 1.0a consumer or access token pair.
type Token struct {
	Key    string
	Secret string
}

// OAuth1 signs requests with OAuth 1.0a HMAC-SHA1. The protocol parameters
// and the signature are appended to the request query string.
type OAuth1 struct {
	consumer Token
	token    Token

	now   func() time.Time
	nonce func() string
}

// NewOAuth1 returns a signer for the given consumer and access token.
func NewOAuth1(consumer, token Token) (*OAuth1, error) {
	if consumer.Key == "" || consumer.Secret == "" {
		return nil, errors.New("oauth1 consumer key and secret are required")
	}
	if token.Key == "" || token.Secret == "" {
		return nil, errors.New("oauth1 token and token secret are required")
	}
	return &OAuth1{
		consumer: consumer,
		token:    token,
		now:      time.Now,
		nonce:    newNonce,
	}, nil
}

// Sign adds the oauth_* parameters and signature to req.URL.RawQuery.
func (o *OAuth1) Sign(req *http.Request) error {
	params := req.URL.Query()
	params.Set("oauth_consumer_key", o.consumer.Key)
	params.Set("oauth_nonce", o.nonce())
	params.Set("oauth_signature_method", "HMAC-SHA1")
	params.Set("oauth_timestamp", strconv.FormatInt(o.now().Unix(), 10))
	params.Set("oauth_token", o.token.Key)
	params.Set("oauth_version", "1.0")
	params.Del("oauth_signature")

	pairs := make([]string, 0, len(params))
	for key, values := range params {
		for _, v := range values {
			pairs = append(pairs, percentEncode(key)+"="+percentEncode(v))
		}
	}
	sort.Strings(pairs)
	normalized := strings.Join(pairs, "&")

	base := strings.ToUpper(req.Method) + "&" +
		percentEncode(baseURL(req)) + "&" +
		percentEncode(normalized)

	key := percentEncode(o.consumer.Secret) + "&" + percentEncode(o.token.Secret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery = normalized + "&oauth_signature=" + percentEncode(signature)
	return nil
}

// baseURL is scheme://host/path with the scheme and host lowercased and the
// default port omitted.
func baseURL(req *http.Request) string {
	scheme := strings.ToLower(req.URL.Scheme)
	host := strings.ToLower(req.URL.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// percentEncode escapes s per RFC 3986, leaving only unreserved characters.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
