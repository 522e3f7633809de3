package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/strom-io/strom/internal/event"
)

// Frame layout: crc32c(4B BE over body) | bodyLen(4B BE) | body.
// Body fields, uvarint-framed where variable length:
// tenant | entity | version | type | payload | committed_at_ms | event_id.

const frameHeaderLen = 8

// maxBodyLen bounds a single decoded body to catch corrupt length words
// before allocating.
const maxBodyLen = 64 << 20

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeEvent serializes ev into a checksummed frame.
func EncodeEvent(ev event.Event) []byte {
	body := make([]byte, 0, 64+len(ev.TenantID)+len(ev.EntityID)+len(ev.Type)+len(ev.Payload)+len(ev.ID))
	body = appendString(body, ev.TenantID)
	body = appendString(body, ev.EntityID)
	body = binary.AppendUvarint(body, ev.Version)
	body = appendString(body, ev.Type)
	body = appendBytes(body, ev.Payload)
	body = binary.AppendUvarint(body, uint64(ev.CommittedAt))
	body = appendString(body, ev.ID)

	out := make([]byte, frameHeaderLen, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], crc32.Checksum(body, castagnoli))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(body)))
	return append(out, body...)
}

// DecodeEvent parses a full frame produced by EncodeEvent, verifying length
// and checksum. The returned event owns its memory.
func DecodeEvent(frame []byte) (event.Event, error) {
	if len(frame) < frameHeaderLen {
		return event.Event{}, fmt.Errorf("wal: frame too short (%d bytes)", len(frame))
	}
	wantCRC := binary.BigEndian.Uint32(frame[0:4])
	bodyLen := binary.BigEndian.Uint32(frame[4:8])
	if int(bodyLen) != len(frame)-frameHeaderLen {
		return event.Event{}, fmt.Errorf("wal: frame length mismatch: header %d, body %d", bodyLen, len(frame)-frameHeaderLen)
	}
	body := frame[frameHeaderLen:]
	if crc32.Checksum(body, castagnoli) != wantCRC {
		return event.Event{}, ErrCorruption
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (event.Event, error) {
	var ev event.Event
	var err error
	if ev.TenantID, body, err = readString(body); err != nil {
		return event.Event{}, err
	}
	if ev.EntityID, body, err = readString(body); err != nil {
		return event.Event{}, err
	}
	if ev.Version, body, err = readUvarint(body); err != nil {
		return event.Event{}, err
	}
	if ev.Type, body, err = readString(body); err != nil {
		return event.Event{}, err
	}
	var payload []byte
	if payload, body, err = readBytes(body); err != nil {
		return event.Event{}, err
	}
	ev.Payload = append([]byte(nil), payload...)
	var ts uint64
	if ts, body, err = readUvarint(body); err != nil {
		return event.Event{}, err
	}
	ev.CommittedAt = int64(ts)
	if ev.ID, body, err = readString(body); err != nil {
		return event.Event{}, err
	}
	if len(body) != 0 {
		return event.Event{}, fmt.Errorf("wal: %d trailing bytes after record body", len(body))
	}
	return ev, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, fmt.Errorf("wal: truncated varint in record body")
	}
	return v, b[n:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := readUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("wal: field length %d exceeds remaining %d bytes", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}

func readString(b []byte) (string, []byte, error) {
	raw, rest, err := readBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(raw), rest, nil
}
