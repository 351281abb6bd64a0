package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Флаги кадра
const (
	FlagReliable   uint8 = 1 << 0
	FlagCompressed uint8 = 1 << 1
)

// Номера полей конверта
const (
	fieldType  protowire.Number = 1
	fieldSeq   protowire.Number = 2
	fieldFlags protowire.Number = 3
	fieldBody  protowire.Number = 4
	fieldTick  protowire.Number = 5
)

const (
	// DefaultCompressThreshold тела больше этого размера сжимаются zstd
	DefaultCompressThreshold = 1024
	// MaxFrameSize предел размера кадра на потоке
	MaxFrameSize = 4 << 20
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrMalformed     = errors.New("protocol: malformed frame")
)

// Frame кадр протокола. Body всегда хранится несжатым JSON.
type Frame struct {
	Type  MessageType
	Seq   uint32
	Flags uint8
	Tick  uint64
	Body  []byte
}

// Reliable требует ли кадр надёжной доставки
func (f *Frame) Reliable() bool { return f.Flags&FlagReliable != 0 }

// NewFrame сериализует v в тело кадра
func NewFrame(t MessageType, v any) (*Frame, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации %s: %w", t, err)
	}
	return &Frame{Type: t, Flags: FlagReliable, Body: body}, nil
}

// Unmarshal разбирает тело кадра в v
func (f *Frame) Unmarshal(v any) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("ошибка десериализации %s: %w", f.Type, err)
	}
	return nil
}

// MessageSerializer кодирует кадры в конверт protowire и обратно
type MessageSerializer struct {
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	threshold int
}

// NewMessageSerializer создаёт сериализатор. threshold <= 0 — порог по умолчанию.
func NewMessageSerializer(threshold int) (*MessageSerializer, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize*4))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &MessageSerializer{enc: enc, dec: dec, threshold: threshold}, nil
}

// Encode кодирует кадр (без префикса длины)
func (ms *MessageSerializer) Encode(f *Frame) []byte {
	body := f.Body
	flags := f.Flags &^ FlagCompressed
	if len(body) > ms.threshold {
		body = ms.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= FlagCompressed
	}

	b := make([]byte, 0, len(body)+24)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Seq != 0 {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Seq))
	}
	if flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(flags))
	}
	if f.Tick != 0 {
		b = protowire.AppendTag(b, fieldTick, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Tick)
	}
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

// Decode разбирает конверт. Неизвестные поля пропускаются.
func (ms *MessageSerializer) Decode(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: varint: %v", ErrMalformed, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldType:
				f.Type = MessageType(v)
			case fieldSeq:
				f.Seq = uint32(v)
			case fieldFlags:
				f.Flags = uint8(v)
			case fieldTick:
				f.Tick = v
			}
		case typ == protowire.BytesType && num == fieldBody:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: body: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.Body = append([]byte(nil), v...)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	if f.Type == 0 {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if f.Flags&FlagCompressed != 0 {
		body, err := ms.dec.DecodeAll(f.Body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		f.Body = body
		f.Flags &^= FlagCompressed
	}
	return f, nil
}

// Close освобождает кодеры zstd
func (ms *MessageSerializer) Close() {
	ms.enc.Close()
	ms.dec.Close()
}

// WriteFrame пишет кадр с 4-байтовым префиксом длины (little-endian)
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame читает один кадр с префиксом длины
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
