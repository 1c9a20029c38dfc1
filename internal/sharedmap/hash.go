package sharedmap

import (
	"crypto/md5" //nolint:gosec // content-addressing only, not a security boundary
	"encoding/hex"
)

func hashBytes(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
