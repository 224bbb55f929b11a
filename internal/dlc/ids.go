package dlc

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ChannelID is the opaque 32-byte identifier of a DLC channel, assigned by
// the contract engine.
type ChannelID [32]byte

func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

func (c ChannelID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ChannelID) UnmarshalText(text []byte) error {
	return decodeFixedHex(c[:], text, "channel id")
}

func ChannelIDFromString(s string) (ChannelID, error) {
	var c ChannelID
	err := c.UnmarshalText([]byte(s))
	return c, err
}

// ContractID is the opaque 32-byte identifier of the DLC contract negotiated
// within a channel.
type ContractID [32]byte

func (c ContractID) String() string {
	return hex.EncodeToString(c[:])
}

func (c ContractID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ContractID) UnmarshalText(text []byte) error {
	return decodeFixedHex(c[:], text, "contract id")
}

func ContractIDFromString(s string) (ContractID, error) {
	var c ContractID
	err := c.UnmarshalText([]byte(s))
	return c, err
}

// Txid is a hex-encoded bitcoin transaction id.
type Txid [32]byte

func (t Txid) String() string {
	return hex.EncodeToString(t[:])
}

func (t Txid) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Txid) UnmarshalText(text []byte) error {
	return decodeFixedHex(t[:], text, "txid")
}

func TxidFromString(s string) (Txid, error) {
	var t Txid
	err := t.UnmarshalText([]byte(s))
	return t, err
}

// PublicKey is the hex-encoded compressed secp256k1 public key identifying a
// trader. Key handling lives in the contract engine; the coordinator only
// ever compares and stores these.
type PublicKey string

// ProtocolID is the correlation id of a single DLC protocol execution. It is
// generated when a protocol starts and travels through the contract engine as
// the event reference id.
type ProtocolID uuid.UUID

func NewProtocolID() ProtocolID {
	return ProtocolID(uuid.New())
}

// ProtocolIDFromReferenceID converts the engine's opaque reference id bytes
// into a ProtocolID. Reference ids minted by this coordinator are always
// 16-byte UUIDs.
func ProtocolIDFromReferenceID(ref []byte) (ProtocolID, error) {
	id, err := uuid.FromBytes(ref)
	if err != nil {
		return ProtocolID{}, fmt.Errorf("invalid reference id %x: %w", ref, err)
	}
	return ProtocolID(id), nil
}

// ReferenceID returns the raw bytes handed to the contract engine as the
// event correlation key.
func (p ProtocolID) ReferenceID() []byte {
	b := make([]byte, 16)
	copy(b, p[:])
	return b
}

func (p ProtocolID) String() string {
	return uuid.UUID(p).String()
}

func (p ProtocolID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ProtocolID) UnmarshalText(text []byte) error {
	id, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid protocol id %q: %w", text, err)
	}
	*p = ProtocolID(id)
	return nil
}

func ProtocolIDFromString(s string) (ProtocolID, error) {
	var p ProtocolID
	err := p.UnmarshalText([]byte(s))
	return p, err
}

func decodeFixedHex(dst []byte, text []byte, what string) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", what, text, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("invalid %s %q: got %d bytes, want %d", what, text, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
