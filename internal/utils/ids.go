package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes make ids self describing in logs and audit rows.
const (
	PrefixKey        = "bk"
	PrefixEnrollment = "enr"
	PrefixDevice     = "dev"
	PrefixUser       = "usr"
	PrefixRole       = "role"
	PrefixGroup      = "grp"
	PrefixPolicy     = "pol"
	PrefixConnection = "conn"
)

// GenerateID returns prefix_<uuid without dashes>.
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RandomToken returns n random bytes, URL safe encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewKeySecret builds the presentable secret of a bootstrap key,
// "<key_id>.<random>". Only the random part is hashed and stored.
func NewKeySecret(keyID string) (secret, random string, err error) {
	random, err = RandomToken(32)
	if err != nil {
		return "", "", err
	}
	return keyID + "." + random, random, nil
}

// SplitKeySecret separates a presented secret into key id and random part.
func SplitKeySecret(secret string) (keyID, random string, err error) {
	keyID, random, ok := strings.Cut(secret, ".")
	if !ok || keyID == "" || random == "" {
		return "", "", fmt.Errorf("malformed key secret")
	}
	return keyID, random, nil
}

// DeriveDeviceSecret computes the per device signing credential. It is a
// pure function of the server secret and the device id, so it never needs
// to be stored.
func DeriveDeviceSecret(secret []byte, deviceID string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte("device:" + deviceID))
	return hex.EncodeToString(h.Sum(nil))
}
