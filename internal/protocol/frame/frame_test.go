package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/mailslot/internal/protocol/tlv"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "slot-1")})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 2, Flags: FlagIsResponse},
		Auth:    []byte("auth"),
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Version != Version {
		t.Fatalf("magic/version not stamped: %+v", out.Header)
	}
	if out.Header.MessageType != 2 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !out.Header.IsResponse() || out.Header.IsError() {
		t.Fatalf("flags mismatch: %b", out.Header.Flags)
	}
	if string(out.Auth) != "auth" {
		t.Fatalf("auth mismatch: %q", string(out.Auth))
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagic(t *testing.T) {
	buf := EncodeHeader(Header{Magic: 0xEDCE1001, Version: Version, HeaderLen: FixedHeaderLen})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameRejectsUnknownVersion(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: 8, MessageID: 1, MessageType: 1}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameAuthFlagWithoutAuthBytes(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageID: 1, MessageType: 1, Flags: FlagHasAuth}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestReadFramePayloadLimit(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageType: 1, PayloadLen: 1024}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageType: 1, PayloadLen: 10}
	b := append(EncodeHeader(h), 1, 2, 3)
	_, err := ReadFrame(bytes.NewReader(b), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestMarshalAuthAtHeaderLenBoundary(t *testing.T) {
	limits := Limits{MaxAuthBytes: 1 << 20, MaxPayloadBytes: 16}

	fits := Frame{Header: Header{MessageID: 1, MessageType: 1}, Auth: bytes.Repeat([]byte{'a'}, int(MaxAuthLen))}
	b, err := Marshal(fits, limits)
	if err != nil {
		t.Fatalf("marshal at boundary: %v", err)
	}
	out, err := ReadFrame(bytes.NewReader(b), limits)
	if err != nil {
		t.Fatalf("read at boundary: %v", err)
	}
	if uint64(len(out.Auth)) != MaxAuthLen || out.Header.HeaderLen != 0xFFFF {
		t.Fatalf("boundary frame mismatch: auth=%d header_len=%d", len(out.Auth), out.Header.HeaderLen)
	}

	over := Frame{Header: Header{MessageID: 2, MessageType: 1}, Auth: bytes.Repeat([]byte{'a'}, int(MaxAuthLen)+1)}
	if _, err := Marshal(over, limits); !errors.Is(err, ErrAuthTooLarge) {
		t.Fatalf("expected ErrAuthTooLarge past header_len range, got %v", err)
	}
}

func TestDefaultLimitsFitHeaderLen(t *testing.T) {
	if DefaultLimits().MaxAuthBytes > MaxAuthLen {
		t.Fatalf("default auth limit %d exceeds header_len range %d", DefaultLimits().MaxAuthBytes, MaxAuthLen)
	}
}
