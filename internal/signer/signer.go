// Package signer produces SSH-format RSA signatures, selecting the digest
// algorithm from per-request flag bits.
package signer

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/sshkeysd/agent/internal/keys"
	"github.com/sshkeysd/agent/internal/wire"
)

// hashAndType selects the digest algorithm and signature-type string for
// flags, per §4.C: bit 0x4 (SHA-512) takes priority over bit 0x2 (SHA-256);
// if neither bit is set, SHA-1 is used under the legacy "ssh-rsa" type
// string.
func hashAndType(flags uint32) (crypto.Hash, string) {
	switch {
	case flags&keys.FlagSHA512 != 0:
		return crypto.SHA512, "rsa-sha2-512"
	case flags&keys.FlagSHA256 != 0:
		return crypto.SHA256, "rsa-sha2-256"
	default:
		return crypto.SHA1, "ssh-rsa"
	}
}

func digest(h crypto.Hash, msg []byte) []byte {
	switch h {
	case crypto.SHA256:
		sum := sha256.Sum256(msg)
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512(msg)
		return sum[:]
	default:
		sum := sha1.Sum(msg)
		return sum[:]
	}
}

// Sign produces the wire-form RSA signature over msg using private,
// selecting the hash per flags: string sig_type · string raw_signature.
func Sign(private keys.PrivateKey, msg []byte, flags uint32) ([]byte, error) {
	rsaKey, err := private.RSA()
	if err != nil {
		return nil, err
	}
	h, sigType := hashAndType(flags)
	raw, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, h, digest(h, msg))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	var buf bytes.Buffer
	if err := wire.WriteStringText(&buf, sigType); err != nil {
		return nil, err
	}
	if err := wire.WriteString(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
