package gflake

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
)

// EncodeToHex encodes the ID as 16 lowercase hex digits
func (id ID) EncodeToHex() string {
	return hex.EncodeToString(id.Bytes())
}

// EncodeToBase64 encodes the ID to a base64 string (URL-safe, no padding)
func (id ID) EncodeToBase64() string {
	return base64.RawURLEncoding.EncodeToString(id.Bytes())
}

// EncodeToBase64Std encodes the ID to a standard base64 string
func (id ID) EncodeToBase64Std() string {
	return base64.StdEncoding.EncodeToString(id.Bytes())
}

// DecodeFromHex decodes a 16 digit hexadecimal string to ID
func DecodeFromHex(s string) (ID, error) {
	if len(s) != 16 {
		return Nil, ErrInvalidFormat
	}
	var b [8]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return Nil, ErrInvalidFormat
	}
	return ID(binary.BigEndian.Uint64(b[:])), nil
}

// DecodeFromBase64 decodes a base64 string to ID (URL-safe encoding)
func DecodeFromBase64(s string) (ID, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Nil, ErrInvalidFormat
	}
	return FromBytes(data)
}

// DecodeFromBase64Std decodes a standard base64 string to ID
func DecodeFromBase64Std(s string) (ID, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Nil, ErrInvalidFormat
	}
	return FromBytes(data)
}

// FromBytes creates an ID from 8 big-endian bytes
func FromBytes(b []byte) (ID, error) {
	if len(b) != 8 {
		return Nil, ErrInvalidLength
	}
	return ID(binary.BigEndian.Uint64(b)), nil
}

// MustFromBytes is like FromBytes but panics on error
func MustFromBytes(b []byte) ID {
	id, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}
