package model

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseMoney_Valid(t *testing.T) {
	tests := []struct {
		in   string
		want Money
	}{
		{"1", 1_000_000_000},
		{"1.0", 1_000_000_000},
		{"0.4", 400_000_000},
		{"0.000000001", 1},
		{"12.345", 12_345_000_000},
	}
	for _, tt := range tests {
		got, err := ParseMoney(tt.in)
		if err != nil {
			t.Errorf("ParseMoney(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMoney(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseMoney_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "0", "-1", "0.0000000001", "100000000000"} {
		_, err := ParseMoney(in)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseMoney(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestMoney_String(t *testing.T) {
	if s := MustParseMoney("1.4").String(); s != "1.4" {
		t.Errorf("expected 1.4, got %s", s)
	}
	if s := Money(-1_000_000_000).String(); s != "-1" {
		t.Errorf("expected -1, got %s", s)
	}
}

func TestMoney_WeiRoundTrip(t *testing.T) {
	m := MustParseMoney("1.5")
	wei := m.Wei()
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if wei.Cmp(want) != 0 {
		t.Fatalf("expected %s wei, got %s", want, wei)
	}
	if back := MoneyFromWei(wei); back != m {
		t.Errorf("expected %d, got %d", m, back)
	}
	// Sub-unit dust is truncated.
	dust := new(big.Int).Add(want, big.NewInt(999))
	if back := MoneyFromWei(dust); back != m {
		t.Errorf("expected dust truncation to %d, got %d", m, back)
	}
}

func TestMoney_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Money `json:"a"`
	}{A: MustParseMoney("0.6")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"a":"0.6"}` {
		t.Errorf("unexpected json %s", data)
	}

	var out struct {
		A Money `json:"a"`
		B Money `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"0.6","b":-1.25}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.A != MustParseMoney("0.6") {
		t.Errorf("expected 0.6, got %s", out.A)
	}
	if out.B != -MustParseMoney("1.25") {
		t.Errorf("expected -1.25, got %s", out.B)
	}
}

func TestMoneyFromMajor_RejectsNonPositive(t *testing.T) {
	if _, err := MoneyFromMajor(decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x742d35cc6634c0532925a3b844bc454e4438f44e" {
		t.Errorf("expected lowercased address, got %s", got)
	}

	for _, bad := range []string{"", "742d35Cc6634C0532925a3b844Bc454e4438f44e", "0x1234", "0xZZ2d35Cc6634C0532925a3b844Bc454e4438f44e"} {
		if _, err := NormalizeAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("NormalizeAddress(%q): expected ErrInvalidAddress, got %v", bad, err)
		}
	}
}

func TestParseSides(t *testing.T) {
	if s, err := ParseBetSide(" UP "); err != nil || s != SideUp {
		t.Errorf("expected up, got %q %v", s, err)
	}
	if _, err := ParseBetSide("none"); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("none is not a bet side, got %v", err)
	}
	if s, err := ParseWinningSide("none"); err != nil || s != SideNone {
		t.Errorf("expected none, got %q %v", s, err)
	}
}

func TestTransfer_UnmarshalTypedMeta(t *testing.T) {
	in := Transfer{
		ID:     "t1",
		Type:   TransferWithdraw,
		Amount: -MustParseMoney("1"),
		Meta:   WithdrawMeta{TxHash: "0xabc", BlockNumber: 42, WithdrawalID: "w1"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Transfer
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	meta, ok := out.Meta.(WithdrawMeta)
	if !ok {
		t.Fatalf("expected WithdrawMeta, got %T", out.Meta)
	}
	if meta.TxHash != "0xabc" || meta.BlockNumber != 42 {
		t.Errorf("unexpected meta %+v", meta)
	}
	if out.Amount != in.Amount {
		t.Errorf("expected amount %s, got %s", in.Amount, out.Amount)
	}
}
