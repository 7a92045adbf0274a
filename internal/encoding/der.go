// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of tpm-attestd.
//
// tpm-attestd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package encoding converts raw TPM RSA public key material into the
// X.509 SubjectPublicKeyInfo DER structure and back.
//
// The structure is narrow and fixed, so it is built by hand rather than
// through encoding/asn1:
//
//	SEQUENCE {
//	  SEQUENCE { OID rsaEncryption, NULL }
//	  BIT STRING { SEQUENCE { INTEGER modulus, INTEGER exponent } }
//	}
//
// Encode and decode are symmetric so each direction can be property
// tested against the other.
package encoding

import (
	"bytes"
	"errors"
)

var (
	// ErrInvalidDER is returned when a buffer does not parse as the
	// expected SubjectPublicKeyInfo structure
	ErrInvalidDER = errors.New("encoding: invalid DER structure")

	// ErrUnsupportedAlgorithm is returned when the algorithm identifier
	// is not rsaEncryption
	ErrUnsupportedAlgorithm = errors.New("encoding: unsupported public key algorithm")

	// ErrInvalidExponent is returned when the decoded public exponent
	// does not fit in 32 bits
	ErrInvalidExponent = errors.New("encoding: public exponent out of range")
)

// rsaEncryption OID 1.2.840.113549.1.1.1 with its DER tag and length
var oidRSAEncryption = []byte{
	0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01,
}

// derNull is the DER encoding of the NULL algorithm parameters
var derNull = []byte{0x05, 0x00}

// NormalizeModulus strips the leading zero run from a big-endian integer
// encoding. The TPM returns fixed-width buffers that may carry
// sign-avoidance padding the DER codec must not duplicate. A buffer of
// all zeros collapses to a single zero byte so "value is zero" survives
// the round trip.
func NormalizeModulus(modulus []byte) []byte {
	offset := 0
	for offset < len(modulus) && modulus[offset] == 0 {
		offset++
	}
	if offset == len(modulus) {
		return []byte{0x00}
	}
	return modulus[offset:]
}

// ReverseBytes returns a copy of buf with the byte order reversed. The
// codec requires big-endian integers; hardware buffers that arrive in
// little-endian order must pass through here first.
func ReverseBytes(buf []byte) []byte {
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[len(buf)-1-i] = b
	}
	return out
}

// EncodeSubjectPublicKeyInfo builds the DER SubjectPublicKeyInfo for an
// RSA public key from a big-endian modulus and exponent. An exponent of
// zero means the TPM default of 65537. Leading zero bytes in the modulus
// are stripped before encoding.
func EncodeSubjectPublicKeyInfo(modulus []byte, exponent uint32) ([]byte, error) {
	if len(modulus) == 0 {
		return nil, ErrInvalidDER
	}
	if exponent == 0 {
		exponent = 65537
	}

	n := encodeInteger(NormalizeModulus(modulus))
	e := encodeInteger(encodeUint32(exponent))

	rsaPublicKey := encodeSequence(append(n, e...))

	// BIT STRING payload: unused-bits count, then the RSAPublicKey SEQUENCE
	bitString := make([]byte, 0, len(rsaPublicKey)+4)
	bitString = append(bitString, 0x03)
	bitString = append(bitString, encodeLength(len(rsaPublicKey)+1)...)
	bitString = append(bitString, 0x00)
	bitString = append(bitString, rsaPublicKey...)

	algorithm := encodeSequence(append(append([]byte{}, oidRSAEncryption...), derNull...))

	return encodeSequence(append(algorithm, bitString...)), nil
}

// DecodeSubjectPublicKeyInfo parses a DER SubjectPublicKeyInfo produced
// by EncodeSubjectPublicKeyInfo, returning the normalized big-endian
// modulus and the exponent. Sign-avoidance padding added during encoding
// is removed, so decode(encode(m, e)) reproduces m exactly.
func DecodeSubjectPublicKeyInfo(der []byte) ([]byte, uint32, error) {
	outer, rest, err := parseElement(der, 0x30)
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != 0 {
		return nil, 0, ErrInvalidDER
	}

	algorithm, outer, err := parseElement(outer, 0x30)
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(algorithm, append(append([]byte{}, oidRSAEncryption...), derNull...)) {
		return nil, 0, ErrUnsupportedAlgorithm
	}

	bitString, outer, err := parseElement(outer, 0x03)
	if err != nil {
		return nil, 0, err
	}
	if len(outer) != 0 {
		return nil, 0, ErrInvalidDER
	}
	if len(bitString) < 1 || bitString[0] != 0x00 {
		return nil, 0, ErrInvalidDER
	}

	rsaPublicKey, _, err := parseElement(bitString[1:], 0x30)
	if err != nil {
		return nil, 0, err
	}

	modulus, rsaPublicKey, err := parseElement(rsaPublicKey, 0x02)
	if err != nil {
		return nil, 0, err
	}
	exponentBytes, rsaPublicKey, err := parseElement(rsaPublicKey, 0x02)
	if err != nil {
		return nil, 0, err
	}
	if len(rsaPublicKey) != 0 {
		return nil, 0, ErrInvalidDER
	}

	exponentBytes = NormalizeModulus(exponentBytes)
	if len(exponentBytes) > 4 {
		return nil, 0, ErrInvalidExponent
	}
	var exponent uint32
	for _, b := range exponentBytes {
		exponent = exponent<<8 | uint32(b)
	}

	return NormalizeModulus(modulus), exponent, nil
}

// encodeInteger wraps a normalized big-endian value as a DER INTEGER,
// prepending a zero byte when the high bit is set so the value is not
// misread as negative. This is the mirror of NormalizeModulus.
func encodeInteger(value []byte) []byte {
	content := value
	if value[0]&0x80 != 0 {
		content = make([]byte, len(value)+1)
		copy(content[1:], value)
	}
	out := make([]byte, 0, len(content)+4)
	out = append(out, 0x02)
	out = append(out, encodeLength(len(content))...)
	return append(out, content...)
}

// encodeUint32 returns the minimal big-endian encoding of v. Zero
// encodes as a single zero byte.
func encodeUint32(v uint32) []byte {
	buf := []byte{
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
	return NormalizeModulus(buf)
}

// encodeSequence wraps content in a DER SEQUENCE
func encodeSequence(content []byte) []byte {
	out := make([]byte, 0, len(content)+4)
	out = append(out, 0x30)
	out = append(out, encodeLength(len(content))...)
	return append(out, content...)
}

// encodeLength emits the DER short form for lengths up to 127 and the
// long form with a length-of-length prefix above that
func encodeLength(n int) []byte {
	if n <= 0x7f {
		return []byte{byte(n)}
	}
	var digits []byte
	for v := n; v > 0; v >>= 8 {
		digits = append([]byte{byte(v)}, digits...)
	}
	return append([]byte{0x80 | byte(len(digits))}, digits...)
}

// parseElement consumes one TLV element with the expected tag, returning
// its content and the remaining bytes
func parseElement(der []byte, tag byte) ([]byte, []byte, error) {
	if len(der) < 2 || der[0] != tag {
		return nil, nil, ErrInvalidDER
	}
	length := int(der[1])
	offset := 2
	if length > 0x7f {
		numDigits := length & 0x7f
		if numDigits == 0 || numDigits > 4 || len(der) < 2+numDigits {
			return nil, nil, ErrInvalidDER
		}
		length = 0
		for _, b := range der[2 : 2+numDigits] {
			length = length<<8 | int(b)
		}
		// reject non-minimal long form
		if length <= 0x7f {
			return nil, nil, ErrInvalidDER
		}
		offset = 2 + numDigits
	}
	if len(der) < offset+length {
		return nil, nil, ErrInvalidDER
	}
	return der[offset : offset+length], der[offset+length:], nil
}
