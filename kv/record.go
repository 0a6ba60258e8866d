package kv

import (
	"encoding/binary"
	"errors"
	"time"
)

// recordHeaderSize is the width of the expiration prefix of stored records.
const recordHeaderSize = 8

var errShortRecord = errors.New("kv: stored record is truncated")

// encodeRecord frames value for backends without native expiration.
// Format: [8-byte big-endian unix nanos expiry, 0 = none][value]
func encodeRecord(value []byte, deadline time.Time) []byte {
	buf := make([]byte, recordHeaderSize+len(value))
	if !deadline.IsZero() {
		binary.BigEndian.PutUint64(buf[:recordHeaderSize], uint64(deadline.UnixNano())) //nolint:gosec // deadlines are after 1970
	}
	copy(buf[recordHeaderSize:], value)
	return buf
}

// decodeRecord splits a framed record. The returned value aliases data.
func decodeRecord(data []byte) (value []byte, deadline time.Time, err error) {
	if len(data) < recordHeaderSize {
		return nil, time.Time{}, errShortRecord
	}
	if ns := binary.BigEndian.Uint64(data[:recordHeaderSize]); ns != 0 {
		deadline = time.Unix(0, int64(ns)) //nolint:gosec // written by encodeRecord
	}
	return data[recordHeaderSize:], deadline, nil
}
