// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/hwsigner/signer"
	"github.com/lightningnetwork/lnd/tlv"
)

// Command opcodes, one per device operation. Every command frame starts with
// its opcode followed by a flags byte.
const (
	opPing      byte = 0x01
	opDerive    byte = 0x02
	opSignInit  byte = 0x03
	opSignInput byte = 0x04
)

// flagContinuation marks a command frame whose payload continues in the next
// frame. The device acknowledges such frames without acting on them.
const flagContinuation byte = 0x80

// Response status codes, the first byte of every response frame.
const (
	statusOK      byte = 0x00
	statusAck     byte = 0x01
	statusSkipped byte = 0x02
	statusErr     byte = 0x7f
)

// frameHeaderSize is the opcode plus flags prefix of a command frame.
const frameHeaderSize = 2

// Request payload TLV types.
const (
	typePath         tlv.Type = 1
	typeUnsignedTx   tlv.Type = 2
	typeChangePath   tlv.Type = 3
	typePrevHash     tlv.Type = 4
	typePrevIndex    tlv.Type = 5
	typeValue        tlv.Type = 6
	typePkScript     tlv.Type = 7
	typeNonWitnessTx tlv.Type = 8
	typePubKey       tlv.Type = 9
)

// Response payload TLV types.
const (
	typeRespPubKey    tlv.Type = 1
	typeRespChainCode tlv.Type = 2
	typeRespSignature tlv.Type = 3
	typeRespMaxFrame  tlv.Type = 4
)

var (
	// ErrEmptyFrame is returned when the device sends a zero-length
	// response frame.
	ErrEmptyFrame = errors.New("empty response frame")

	// ErrUnexpectedStatus is returned when a response frame carries a
	// status the protocol does not allow at that point.
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// encodePath flattens a derivation path into little-endian uint32s.
func encodePath(path []uint32) []byte {
	buf := make([]byte, 4*len(path))
	for i, index := range path {
		binary.LittleEndian.PutUint32(buf[4*i:], index)
	}

	return buf
}

// decodePath is the inverse of encodePath.
func decodePath(buf []byte) ([]uint32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("path blob length %d not a multiple "+
			"of 4", len(buf))
	}

	path := make([]uint32, len(buf)/4)
	for i := range path {
		path[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}

	return path, nil
}

// encodeTLV serializes the given records, which must be in ascending type
// order.
func encodeTLV(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeTLV parses a payload into the given records. Records absent from the
// payload keep their zero values.
func decodeTLV(payload []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(bytes.NewReader(payload))
}

// encodeDerive builds the payload of a derive-public-key command.
func encodeDerive(path []uint32) ([]byte, error) {
	pathBytes := encodePath(path)

	return encodeTLV(tlv.MakePrimitiveRecord(typePath, &pathBytes))
}

// decodeDeriveResponse parses a derive-public-key response payload.
func decodeDeriveResponse(payload []byte) ([]byte, [32]byte, error) {
	var (
		pubKey    []byte
		chainCode [32]byte
	)
	err := decodeTLV(
		payload,
		tlv.MakePrimitiveRecord(typeRespPubKey, &pubKey),
		tlv.MakePrimitiveRecord(typeRespChainCode, &chainCode),
	)
	if err != nil {
		return nil, chainCode, err
	}

	return pubKey, chainCode, nil
}

// encodeSignInit builds the payload announcing a signing session: the
// unsigned transaction skeleton and, when present, the change path the
// device may confirm silently.
func encodeSignInit(unsignedTx *wire.MsgTx, changePath []uint32) ([]byte,
	error) {

	var txBuf bytes.Buffer
	if err := unsignedTx.Serialize(&txBuf); err != nil {
		return nil, err
	}
	txBytes := txBuf.Bytes()

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeUnsignedTx, &txBytes),
	}

	if len(changePath) > 0 {
		changeBytes := encodePath(changePath)
		records = append(records, tlv.MakePrimitiveRecord(
			typeChangePath, &changeBytes,
		))
	}

	return encodeTLV(records...)
}

// encodeSignInput builds the payload of a per-input signing command.
func encodeSignInput(req *signer.SignRequest) ([]byte, error) {
	pathBytes := encodePath(req.Path)
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typePath, &pathBytes),
	}

	prevHash := [32]byte(req.OutPoint.Hash)
	prevIndex := req.OutPoint.Index
	records = append(records,
		tlv.MakePrimitiveRecord(typePrevHash, &prevHash),
		tlv.MakePrimitiveRecord(typePrevIndex, &prevIndex),
	)

	// The spent output is optional for segwit-only coins.
	var value uint64
	if req.PrevOut != nil {
		// Output values are consensus-bounded well below the uint64
		// sign bit.
		value = uint64(req.PrevOut.Value)
		pkScript := req.PrevOut.PkScript
		records = append(records,
			tlv.MakePrimitiveRecord(typeValue, &value),
			tlv.MakePrimitiveRecord(typePkScript, &pkScript),
		)
	}

	if req.NonWitnessTx != nil {
		var txBuf bytes.Buffer
		if err := req.NonWitnessTx.Serialize(&txBuf); err != nil {
			return nil, err
		}
		txBytes := txBuf.Bytes()
		records = append(records, tlv.MakePrimitiveRecord(
			typeNonWitnessTx, &txBytes,
		))
	}

	pubKeyBytes := req.PubKey.SerializeCompressed()
	records = append(records, tlv.MakePrimitiveRecord(
		typePubKey, &pubKeyBytes,
	))

	return encodeTLV(records...)
}

// decodeSignatureResponse parses a per-input signing response payload.
func decodeSignatureResponse(payload []byte) ([]byte, error) {
	var sig []byte
	err := decodeTLV(
		payload,
		tlv.MakePrimitiveRecord(typeRespSignature, &sig),
	)
	if err != nil {
		return nil, err
	}

	return sig, nil
}

// decodePingResponse parses the optional session parameters of a ping
// response. A zero max frame size means the device stated no preference.
func decodePingResponse(payload []byte) (uint16, error) {
	if len(payload) == 0 {
		return 0, nil
	}

	var maxFrame uint16
	err := decodeTLV(
		payload,
		tlv.MakePrimitiveRecord(typeRespMaxFrame, &maxFrame),
	)
	if err != nil {
		return 0, err
	}

	return maxFrame, nil
}

// chunkCommand splits a command payload into frames no larger than
// maxFrameSize. Every frame but the last carries the continuation flag; the
// device answers continuation frames with a bare ack and acts once the final
// frame arrives.
func chunkCommand(opcode byte, payload []byte, maxFrameSize int) [][]byte {
	space := maxFrameSize - frameHeaderSize

	var frames [][]byte
	for {
		flags := byte(0)
		chunk := payload
		if len(payload) > space {
			flags = flagContinuation
			chunk = payload[:space]
		}
		payload = payload[len(chunk):]

		frame := make([]byte, 0, frameHeaderSize+len(chunk))
		frame = append(frame, opcode, flags)
		frame = append(frame, chunk...)
		frames = append(frames, frame)

		if flags != flagContinuation {
			return frames
		}
	}
}

// finalResponse validates the response frames of one chunked command: every
// frame but the last must be an ack, and the final frame carries the
// command's status and payload.
func finalResponse(resps [][]byte) (byte, []byte, error) {
	for i, resp := range resps {
		if len(resp) == 0 {
			return 0, nil, ErrEmptyFrame
		}

		if i < len(resps)-1 && resp[0] != statusAck {
			return 0, nil, fmt.Errorf("%w: %#02x for "+
				"continuation chunk %d", ErrUnexpectedStatus,
				resp[0], i)
		}
	}

	last := resps[len(resps)-1]

	return last[0], last[1:], nil
}
