package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Payload is the typed form of an atom's inline content. The set of
// implementations is closed; switch over it exhaustively.
type Payload interface {
	Modality() Modality
	Encode() []byte
	isPayload()
}

// TextToken is a short text token.
type TextToken struct {
	Text string
}

// Pixel is a single RGBA pixel.
type Pixel struct {
	R, G, B, A uint8
}

// TensorWeight is a single model weight.
type TensorWeight struct {
	Value float32
}

// CodeNode is an AST node: its kind and its source text.
type CodeNode struct {
	Kind string
	Text string
}

// RawBytes is opaque binary content.
type RawBytes struct {
	Data []byte
}

func (TextToken) Modality() Modality    { return ModalityText }
func (Pixel) Modality() Modality        { return ModalityPixel }
func (TensorWeight) Modality() Modality { return ModalityTensorWeight }
func (CodeNode) Modality() Modality     { return ModalityCodeNode }
func (RawBytes) Modality() Modality     { return ModalityBinary }

func (TextToken) isPayload()    {}
func (Pixel) isPayload()        {}
func (TensorWeight) isPayload() {}
func (CodeNode) isPayload()     {}
func (RawBytes) isPayload()     {}

func (p TextToken) Encode() []byte {
	return []byte(p.Text)
}

func (p Pixel) Encode() []byte {
	return []byte{p.R, p.G, p.B, p.A}
}

func (p TensorWeight) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(p.Value))
	return buf
}

// Encode joins kind and text with a NUL separator; kinds never contain NUL.
func (p CodeNode) Encode() []byte {
	buf := make([]byte, 0, len(p.Kind)+1+len(p.Text))
	buf = append(buf, p.Kind...)
	buf = append(buf, 0)
	return append(buf, p.Text...)
}

func (p RawBytes) Encode() []byte {
	return bytes.Clone(p.Data)
}

// DecodePayload turns stored content back into its typed payload.
func DecodePayload(m Modality, data []byte) (Payload, error) {
	switch m {
	case ModalityText:
		return TextToken{Text: string(data)}, nil
	case ModalityPixel:
		if len(data) != 4 {
			return nil, fmt.Errorf("%w: pixel needs 4 bytes, got %d", ErrInvalidPayload, len(data))
		}
		return Pixel{R: data[0], G: data[1], B: data[2], A: data[3]}, nil
	case ModalityTensorWeight:
		if len(data) != 4 {
			return nil, fmt.Errorf("%w: tensor weight needs 4 bytes, got %d", ErrInvalidPayload, len(data))
		}
		return TensorWeight{Value: math.Float32frombits(binary.LittleEndian.Uint32(data))}, nil
	case ModalityCodeNode:
		kind, text, ok := bytes.Cut(data, []byte{0})
		if !ok {
			return nil, fmt.Errorf("%w: code node is missing its kind separator", ErrInvalidPayload)
		}
		return CodeNode{Kind: string(kind), Text: string(text)}, nil
	case ModalityBinary:
		return RawBytes{Data: bytes.Clone(data)}, nil
	default:
		return nil, fmt.Errorf("%w: value %d", ErrInvalidModality, m)
	}
}
