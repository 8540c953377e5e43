package wifi

import (
	"crypto/sha1"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"

	"github.com/climon-dev/climon/internal/storage"
)

// Settings store coordinates for persisted credentials. The three
// keys are written in one transaction; a crash can never persist an
// SSID without its password.
const (
	credsNamespace = "wifi_config"
	keySSID        = "ssid"
	keyPassword    = "password"
	keyProvisioned = "provisioned"
)

// 802.11 field sizes: an SSID element is at most 32 bytes, a WPA2
// passphrase at most 64.
const (
	maxSSIDLen     = 32
	maxPasswordLen = 64
)

// Credentials is a stored station network.
type Credentials struct {
	SSID     string
	Password string
}

// LoadCredentials reads persisted credentials. ok is false when the
// device has not been provisioned (or the stored SSID is empty).
func LoadCredentials(kv *storage.Store) (c Credentials, ok bool, err error) {
	vals, err := kv.List(credsNamespace)
	if err != nil {
		return Credentials{}, false, err
	}

	c = Credentials{SSID: vals[keySSID], Password: vals[keyPassword]}
	if vals[keyProvisioned] != "1" || c.SSID == "" {
		return c, false, nil
	}
	return c, true, nil
}

// SaveCredentials persists a network and marks the device provisioned.
func SaveCredentials(kv *storage.Store, ssid, password string) error {
	return kv.SetAll(credsNamespace, map[string]string{
		keySSID:        ssid,
		keyPassword:    password,
		keyProvisioned: "1",
	})
}

// ClearCredentials removes the stored network and the provisioned
// flag.
func ClearCredentials(kv *storage.Store) error {
	return kv.DeleteNamespace(credsNamespace)
}

// DerivePSK computes the WPA2 pairwise master key for a network:
// PBKDF2-HMAC-SHA1 over the passphrase with the SSID as salt, 4096
// rounds, 256 bits, hex encoded. An empty passphrase (open network)
// derives to the empty string.
func DerivePSK(ssid, passphrase string) string {
	if passphrase == "" {
		return ""
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}
