package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode produces the canonical byte representation of a bundle. Field order
// is fixed so the same bundle always hashes to the same digest; generic
// struct encoding would not guarantee that.
func Encode(b Bundle) ([]byte, error) {
	if b.Vault == "" {
		return nil, errors.New("bundle vault is required")
	}
	if len(b.Legs) == 0 {
		return nil, errors.New("bundle legs are required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	mapLen := 3
	if b.RevokeDelegate != "" {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("vault"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(b.Vault); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("seqno"); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint64(b.Seqno); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("legs"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(b.Legs)); err != nil {
		return nil, err
	}
	for _, leg := range b.Legs {
		if err := encodeLeg(enc, leg); err != nil {
			return nil, err
		}
	}
	if b.RevokeDelegate != "" {
		if err := enc.EncodeString("revoke"); err != nil {
			return nil, err
		}
		if err := enc.EncodeString(b.RevokeDelegate); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeLeg(enc *msgpack.Encoder, leg Leg) error {
	if leg.To == "" {
		return errors.New("leg destination is required")
	}
	value, err := amountToWire(leg.Value)
	if err != nil {
		return fmt.Errorf("leg value: %w", err)
	}
	if err := enc.EncodeMapLen(4); err != nil {
		return err
	}
	if err := enc.EncodeString("to"); err != nil {
		return err
	}
	if err := enc.EncodeString(leg.To); err != nil {
		return err
	}
	if err := enc.EncodeString("v"); err != nil {
		return err
	}
	if err := enc.EncodeString(value); err != nil {
		return err
	}
	if err := enc.EncodeString("b"); err != nil {
		return err
	}
	if err := enc.EncodeBytes(leg.Body); err != nil {
		return err
	}
	if err := enc.EncodeString("m"); err != nil {
		return err
	}
	return enc.EncodeInt(int64(leg.Mode))
}

// WireDecimals is the amount precision the ledger accepts.
const WireDecimals = 9

// RoundAmount snaps a locally computed amount onto the wire precision grid.
// Encode rejects off-grid values instead of rounding them itself, so any
// value derived from venue quotes or fee arithmetic must pass through here
// before it becomes a leg value.
func RoundAmount(x float64) float64 {
	factor := math.Pow10(WireDecimals)
	return math.Round(x*factor) / factor
}

func amountToWire(x float64) (string, error) {
	if x < 0 {
		return "", fmt.Errorf("negative amount: %f", x)
	}
	rounded := fmt.Sprintf("%.*f", WireDecimals, x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("amount loses precision on wire: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" {
		trimmed = "0"
	}
	return trimmed, nil
}
