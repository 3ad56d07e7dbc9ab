package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// contactURI encodes what another device needs to start a chat with id.
func contactURI(id string, shortID int64, publicKey []byte) string {
	q := url.Values{}
	if shortID > 0 {
		q.Set("short", strconv.FormatInt(shortID, 10))
	}
	q.Set("key", base64.RawURLEncoding.EncodeToString(publicKey))
	return "securechat://identity/" + url.PathEscape(id) + "?" + q.Encode()
}

// fingerprint is a short, human-comparable digest of a public key.
func fingerprint(publicKey []byte) string {
	if len(publicKey) == 0 {
		return "(none)"
	}
	sum := sha256.Sum256(publicKey)
	h := hex.EncodeToString(sum[:10])
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, " ")
}

// renderQR draws content with half-block characters, two modules per line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")\n"
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
