package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// clockDriftOffset is subtracted from created to tolerate skew between participants.
	clockDriftOffset  = 3
	signatureValidity = 300
	signedHeaders     = "(created) (expires) digest"
)

// Authorization is the parsed content of a signed Authorization header.
type Authorization struct {
	KeyID     string
	Algorithm string
	Created   int64
	Expires   int64
	Headers   string
	Signature string
}

// Digest returns the BLAKE2b-512 digest of body, base64 encoded.
func Digest(body []byte) string {
	sum := blake2b.Sum512(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SigningString is the exact byte sequence that is signed for an outbound body.
func SigningString(created, expires int64, digest string) string {
	return fmt.Sprintf("(created): %d\n(expires): %d\ndigest: BLAKE-512=%s", created, expires, digest)
}

// CreateAuthorizationHeader signs body and returns the Authorization header value.
// body must be the exact bytes that will be sent.
func (c *Client) CreateAuthorizationHeader(body []byte) string {
	return c.authorize(body).String()
}

func (c *Client) authorize(body []byte) Authorization {
	created := createdTimestamp(body, c.now()) - clockDriftOffset
	expires := created + signatureValidity
	signature := c.signer.SignMessage([]byte(SigningString(created, expires, Digest(body))))
	return Authorization{
		KeyID:     c.signer.KeyID(),
		Algorithm: c.signer.Algorithm(),
		Created:   created,
		Expires:   expires,
		Headers:   signedHeaders,
		Signature: signature,
	}
}

// createdTimestamp prefers the payload's own context.timestamp over the wall clock.
func createdTimestamp(body []byte, now time.Time) int64 {
	var probe struct {
		Context struct {
			Timestamp string `json:"timestamp"`
		} `json:"context"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Context.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, probe.Context.Timestamp); err == nil {
			return ts.Unix()
		}
	}
	return now.Unix()
}

func (a Authorization) String() string {
	return fmt.Sprintf(`Signature keyId="%s",algorithm="%s",created="%d",expires="%d",headers="%s",signature="%s"`,
		a.KeyID, a.Algorithm, a.Created, a.Expires, a.Headers, a.Signature)
}

// ParseAuthorization reads a header built by CreateAuthorizationHeader.
func ParseAuthorization(header string) (Authorization, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "Signature ")
	if !ok {
		return Authorization{}, fmt.Errorf("authorization header is not a Signature")
	}
	fields := map[string]string{}
	for _, part := range strings.Split(rest, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return Authorization{}, fmt.Errorf("malformed authorization field %q", part)
		}
		fields[k] = strings.Trim(v, `"`)
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return Authorization{}, fmt.Errorf("parse created: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires"], 10, 64)
	if err != nil {
		return Authorization{}, fmt.Errorf("parse expires: %w", err)
	}
	return Authorization{
		KeyID:     fields["keyId"],
		Algorithm: fields["algorithm"],
		Created:   created,
		Expires:   expires,
		Headers:   fields["headers"],
		Signature: fields["signature"],
	}, nil
}
