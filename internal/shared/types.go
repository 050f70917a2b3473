package shared

import (
	"crypto/rand"
	"encoding/hex"
)

const SessionIDPrefix = "rs_"

func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
