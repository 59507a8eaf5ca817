// Package wire converts between the Double Ratchet engine's in-memory
// Packet type and the JSON wire envelope described in spec §6, base64
// encoding the binary fields the way the teacher's buildHeaderJSON/
// payloadToMessageHeader pair does in
// services/messages/pkg/msgclient/client.go.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"securemsg/internal/ratchet"
)

// Header is the JSON-visible header of a DR wire packet (spec §6).
type Header struct {
	DR           int             `json:"dr"`
	V            int             `json:"v"`
	DeviceID     string          `json:"device_id"`
	EkPubB64     string          `json:"ek_pub_b64"`
	PN           uint32          `json:"pn"`
	N            uint32          `json:"n"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// Envelope is the full JSON wire record posted to the relay.
type Envelope struct {
	Header        Header `json:"header"`
	IVB64         string `json:"iv_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// EncodeHeader renders a ratchet.Header into its wire JSON form.
func EncodeHeader(deviceID string, h ratchet.Header, meta json.RawMessage) (json.RawMessage, error) {
	wh := Header{
		DR:       1,
		V:        1,
		DeviceID: deviceID,
		EkPubB64: base64.StdEncoding.EncodeToString(h.EkPub[:]),
		PN:       h.PN,
		N:        h.N,
		Meta:     meta,
	}
	return json.Marshal(wh)
}

// EncodePacket renders a full Packet into the wire envelope consumed by
// the relay's /api/v1/messages endpoint, returning the header JSON and
// ciphertext/IV base64 separately to match outbox.Job's field shape.
func EncodePacket(pkt *ratchet.Packet) (headerJSON json.RawMessage, ivB64, ciphertextB64 string, err error) {
	headerJSON, err = EncodeHeader(pkt.DeviceID, pkt.Header, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("wire: encode header: %w", err)
	}
	ivB64 = base64.StdEncoding.EncodeToString(pkt.IV[:])
	ciphertextB64 = base64.StdEncoding.EncodeToString(pkt.Ciphertext)
	return headerJSON, ivB64, ciphertextB64, nil
}

// DecodePacket reconstructs a ratchet.Packet from a wire envelope plus the
// out-of-band message id.
func DecodePacket(env json.RawMessage, ciphertextB64, ivB64, messageID string) (*ratchet.Packet, error) {
	var h Header
	if err := json.Unmarshal(env, &h); err != nil {
		return nil, fmt.Errorf("wire: decode header: %w", err)
	}
	ekPub, err := decode32(h.EkPubB64)
	if err != nil {
		return nil, fmt.Errorf("wire: decode ek_pub_b64: %w", err)
	}
	iv, err := decodeIV(ivB64)
	if err != nil {
		return nil, fmt.Errorf("wire: decode iv_b64: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("wire: decode ciphertext_b64: %w", err)
	}
	return &ratchet.Packet{
		DeviceID:  h.DeviceID,
		Version:   h.V,
		MessageID: messageID,
		Header:    ratchet.Header{EkPub: ekPub, PN: h.PN, N: h.N},
		IV:        iv,
		Ciphertext: ct,
	}, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("wire: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeIV(s string) ([12]byte, error) {
	var out [12]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 12 {
		return out, fmt.Errorf("wire: expected 12-byte IV, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
