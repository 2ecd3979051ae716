// Package frame is the length-prefixed envelope shared by meshd and meshrest.
//
// Layout, big-endian:
//
//	 0  magic         u32  "MESH"
//	 4  version       u16
//	 6  header_len    u16  32 + len(auth)
//	 8  message_id    u64
//	16  message_type  u32
//	20  flags         u32
//	24  payload_len   u64
//	32  auth          header_len - 32 bytes
//	    payload       payload_len bytes
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen uint16 = 32
	Magic          uint32 = 0x4D455348 // "MESH"
	Version        uint16 = 1
	FlagHasAuth    uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrBadMagic          = errors.New("frame: invalid magic")
	ErrBadVersion        = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrHeaderLenMismatch = errors.New("frame: auth flag set but header_len carries no auth bytes")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrAuthTooLarge      = errors.New("frame: auth too large")
)

type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one message. Auth carries the caller identity.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// Limits bound what one frame may allocate on either side of the wire.
type Limits struct {
	MaxAuthBytes    uint64
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    4 * 1024,
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

func (h Header) authLen() uint64 {
	return uint64(h.HeaderLen) - uint64(FixedHeaderLen)
}

// check rejects a decoded header before any of its body is read.
func (h Header) check(limits Limits) error {
	switch {
	case h.Magic != Magic:
		return ErrBadMagic
	case h.Version != Version:
		return ErrBadVersion
	case h.HeaderLen < FixedHeaderLen:
		return ErrHeaderLenTooSmall
	case h.Flags&FlagHasAuth != 0 && h.authLen() == 0:
		return ErrHeaderLenMismatch
	case h.authLen() > limits.MaxAuthBytes:
		return ErrAuthTooLarge
	case h.PayloadLen > limits.MaxPayloadBytes:
		return ErrPayloadTooLarge
	}
	return nil
}

// ReadFrame reads exactly one frame. A stream that ends cleanly between
// frames yields io.EOF; one that ends inside the fixed header yields
// ErrShortHeader.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := h.check(limits); err != nil {
		return Frame{}, err
	}

	n := h.authLen()
	body := make([]byte, n+h.PayloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Auth: body[:n:n], Payload: body[n:]}, nil
}

// Encode stamps magic, version, lengths and the auth flag, and renders f
// into one buffer.
func Encode(f Frame, limits Limits) ([]byte, error) {
	authLen, payloadLen := uint64(len(f.Auth)), uint64(len(f.Payload))
	if authLen > limits.MaxAuthBytes {
		return nil, ErrAuthTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic, h.Version = Magic, Version
	h.HeaderLen = FixedHeaderLen + uint16(authLen)
	h.PayloadLen = payloadLen
	h.Flags &^= FlagHasAuth
	if authLen > 0 {
		h.Flags |= FlagHasAuth
	}

	out := make([]byte, 0, uint64(FixedHeaderLen)+authLen+payloadLen)
	out = appendHeader(out, h)
	out = append(out, f.Auth...)
	return append(out, f.Payload...), nil
}

// WriteFrame encodes f and hands it to w in a single Write.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	raw, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func EncodeHeader(h Header) []byte {
	return appendHeader(make([]byte, 0, FixedHeaderLen), h)
}

func appendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Magic)
	dst = binary.BigEndian.AppendUint16(dst, h.Version)
	dst = binary.BigEndian.AppendUint16(dst, h.HeaderLen)
	dst = binary.BigEndian.AppendUint64(dst, h.MessageID)
	dst = binary.BigEndian.AppendUint32(dst, h.MessageType)
	dst = binary.BigEndian.AppendUint32(dst, h.Flags)
	return binary.BigEndian.AppendUint64(dst, h.PayloadLen)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: fixed header is %d bytes, got %d", FixedHeaderLen, len(b))
	}
	be := binary.BigEndian
	return Header{
		Magic:       be.Uint32(b[0:]),
		Version:     be.Uint16(b[4:]),
		HeaderLen:   be.Uint16(b[6:]),
		MessageID:   be.Uint64(b[8:]),
		MessageType: be.Uint32(b[16:]),
		Flags:       be.Uint32(b[20:]),
		PayloadLen:  be.Uint64(b[24:]),
	}, nil
}
