package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransferType tags every balance-affecting event.
type TransferType string

const (
	TransferDeposit  TransferType = "deposit"
	TransferBetLock  TransferType = "bet_lock"
	TransferPayout   TransferType = "payout"
	TransferLoss     TransferType = "loss"
	TransferWithdraw TransferType = "withdraw"
)

// Transfer is an immutable ledger row. Amount is the signed change to the
// player's available balance:
//
//	deposit  +amount
//	bet_lock -stake   (stake moves to locked)
//	payout   +payout  (stake leaves locked)
//	loss     0        (stake leaves locked, forfeited)
//	withdraw -amount
//
// Replaying a player's transfers therefore reconstructs both available and
// locked without consulting any other table.
type Transfer struct {
	ID        string       `json:"id"`
	PlayerID  string       `json:"player_id"`
	Type      TransferType `json:"type"`
	Amount    Money        `json:"amount"`
	Meta      TransferMeta `json:"meta"`
	CreatedAt time.Time    `json:"created_at"`
}

// TransferMeta is the per-type context of a transfer.
type TransferMeta interface {
	TransferType() TransferType
}

type DepositMeta struct {
	TxHash string `json:"tx_hash,omitempty"`
}

type BetLockMeta struct {
	RoundID int64  `json:"round_id"`
	BetID   string `json:"bet_id"`
}

type PayoutMeta struct {
	RoundID int64  `json:"round_id"`
	BetID   string `json:"bet_id"`
	Stake   Money  `json:"stake"`
}

type LossMeta struct {
	RoundID int64  `json:"round_id"`
	BetID   string `json:"bet_id"`
	Stake   Money  `json:"stake"`
}

type WithdrawMeta struct {
	TxHash       string `json:"tx_hash"`
	BlockNumber  uint64 `json:"block_number"`
	WithdrawalID string `json:"withdrawal_id"`
}

func (DepositMeta) TransferType() TransferType  { return TransferDeposit }
func (BetLockMeta) TransferType() TransferType  { return TransferBetLock }
func (PayoutMeta) TransferType() TransferType   { return TransferPayout }
func (LossMeta) TransferType() TransferType     { return TransferLoss }
func (WithdrawMeta) TransferType() TransferType { return TransferWithdraw }

// DecodeMeta restores the typed meta stored next to a transfer of type t.
func DecodeMeta(t TransferType, raw []byte) (TransferMeta, error) {
	var (
		meta TransferMeta
		err  error
	)
	switch t {
	case TransferDeposit:
		var m DepositMeta
		err = unmarshalMeta(raw, &m)
		meta = m
	case TransferBetLock:
		var m BetLockMeta
		err = unmarshalMeta(raw, &m)
		meta = m
	case TransferPayout:
		var m PayoutMeta
		err = unmarshalMeta(raw, &m)
		meta = m
	case TransferLoss:
		var m LossMeta
		err = unmarshalMeta(raw, &m)
		meta = m
	case TransferWithdraw:
		var m WithdrawMeta
		err = unmarshalMeta(raw, &m)
		meta = m
	default:
		return nil, fmt.Errorf("model: unknown transfer type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s meta: %w", t, err)
	}
	return meta, nil
}

func unmarshalMeta(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// UnmarshalJSON decodes the meta according to the transfer's type.
func (t *Transfer) UnmarshalJSON(data []byte) error {
	type plain Transfer
	var aux struct {
		plain
		Meta json.RawMessage `json:"meta"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	meta, err := DecodeMeta(aux.Type, aux.Meta)
	if err != nil {
		return err
	}
	*t = Transfer(aux.plain)
	t.Meta = meta
	return nil
}
