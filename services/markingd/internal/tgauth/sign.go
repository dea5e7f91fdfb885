package tgauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Sign produces a valid initData envelope for the given values and bot token.
// Used by tests and local tooling; the real envelope is minted by Telegram.
func Sign(botToken string, values url.Values) string {
	keyMAC := hmac.New(sha256.New, []byte("WebAppData"))
	keyMAC.Write([]byte(botToken))
	secret := keyMAC.Sum(nil)

	keys := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values.Get(key))
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))

	signed := url.Values{}
	for key := range values {
		signed.Set(key, values.Get(key))
	}
	signed.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return signed.Encode()
}
