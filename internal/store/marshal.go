package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/spaolacci/murmur3"
	"github.com/vmihailenco/msgpack/v5"
)

const snapshotEncoding = "msgpack+zstd"

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// checksum covers the record tag and payload. SQLite integers are
// signed, so the hash is stored as its int64 bit pattern.
func checksum(kind Kind, payload []byte) int64 {
	h := murmur3.New64()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(payload)
	return int64(h.Sum64())
}

// marshalOp encodes an op payload.
func marshalOp(op Op) ([]byte, error) {
	data, err := msgpack.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s op: %w", op.Kind(), err)
	}
	return data, nil
}

// unmarshalOp decodes a payload according to its tag.
func unmarshalOp(kind Kind, payload []byte) (Op, error) {
	var op Op
	var err error
	switch kind {
	case KindDefine:
		var v DefineOp
		err = msgpack.Unmarshal(payload, &v)
		op = v
	case KindWrite:
		var v WriteOp
		err = msgpack.Unmarshal(payload, &v)
		op = v
	case KindTake:
		var v TakeOp
		err = msgpack.Unmarshal(payload, &v)
		op = v
	case KindRenew:
		var v RenewOp
		err = msgpack.Unmarshal(payload, &v)
		op = v
	case KindCancel:
		var v CancelOp
		err = msgpack.Unmarshal(payload, &v)
		op = v
	case KindRegister:
		var v RegisterOp
		err = msgpack.Unmarshal(payload, &v)
		op = v
	case KindResolve:
		var v ResolveOp
		err = msgpack.Unmarshal(payload, &v)
		op = v
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// marshalSnapshot encodes a snapshot as zstd-compressed msgpack.
func marshalSnapshot(snap *Snapshot) ([]byte, error) {
	raw, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func unmarshalSnapshot(data []byte) (*Snapshot, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
