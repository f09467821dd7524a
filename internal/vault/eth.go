package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/atmx/round-ledger/internal/model"
)

// DefaultGasLimit covers a plain native transfer.
const DefaultGasLimit uint64 = 21000

// EthBackend is the subset of the JSON-RPC client the vault uses.
// *ethclient.Client satisfies it.
type EthBackend interface {
	ethereum.ChainIDReader
	ethereum.ChainStateReader
	ethereum.PendingStateReader
	ethereum.GasPricer
	ethereum.TransactionReader
	ethereum.TransactionSender
}

// EthVault is a Vault backed by an EVM JSON-RPC node and a local signing
// key. Nonces are reserved under a mutex so concurrent withdrawals never
// share one. After a refused or ambiguous broadcast the next Sign
// resyncs from the node's pending nonce instead of skipping ahead.
type EthVault struct {
	client   EthBackend
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	closer   func()

	mu        sync.Mutex
	nextNonce uint64
}

// NewEthVault creates a vault signing with key against backend.
func NewEthVault(ctx context.Context, backend EthBackend, key *ecdsa.PrivateKey, gasLimit uint64) (*EthVault, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	return &EthVault{
		client:   backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: gasLimit,
	}, nil
}

// DialEth connects to rpcURL and loads the hex-encoded signing key.
func DialEth(ctx context.Context, rpcURL, privateKeyHex string, gasLimit uint64) (*EthVault, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}

	v, err := NewEthVault(ctx, client, key, gasLimit)
	if err != nil {
		client.Close()
		return nil, err
	}
	v.closer = client.Close
	return v, nil
}

// Close releases the RPC connection.
func (v *EthVault) Close() {
	if v.closer != nil {
		v.closer()
	}
}

func (v *EthVault) Address() string {
	return strings.ToLower(v.from.Hex())
}

func (v *EthVault) Balance(ctx context.Context) (model.Money, error) {
	wei, err := v.client.BalanceAt(ctx, v.from, nil)
	if err != nil {
		return 0, fmt.Errorf("vault balance: %w", err)
	}
	return model.MoneyFromWei(wei), nil
}

func (v *EthVault) Sign(ctx context.Context, to string, amount model.Money) (Transfer, error) {
	if !common.IsHexAddress(to) {
		return Transfer{}, fmt.Errorf("%w: %q", model.ErrInvalidAddress, to)
	}

	gasPrice, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return Transfer{}, fmt.Errorf("suggest gas price: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	pending, err := v.client.PendingNonceAt(ctx, v.from)
	if err != nil {
		return Transfer{}, fmt.Errorf("pending nonce: %w", err)
	}
	nonce := max(pending, v.nextNonce)

	tx := types.NewTransaction(nonce, common.HexToAddress(to), amount.Wei(), v.gasLimit, gasPrice, nil)
	_, t, err := v.sign(tx, to, amount)
	if err != nil {
		return Transfer{}, err
	}
	v.nextNonce = nonce + 1
	return t, nil
}

func (v *EthVault) sign(tx *types.Transaction, to string, amount model.Money) (*types.Transaction, Transfer, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(v.chainID), v.key)
	if err != nil {
		return nil, Transfer{}, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, Transfer{}, fmt.Errorf("encode tx: %w", err)
	}
	return signed, Transfer{
		TxHash: signed.Hash().Hex(),
		Nonce:  signed.Nonce(),
		To:     strings.ToLower(to),
		Amount: amount,
		Raw:    raw,
	}, nil
}

func (v *EthVault) Broadcast(ctx context.Context, t Transfer) error {
	tx, err := decodeTx(t)
	if err != nil {
		return err
	}

	err = v.client.SendTransaction(ctx, tx)
	if err == nil || strings.Contains(err.Error(), "already known") {
		return nil
	}

	v.resync()
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// The node answered and refused it.
		return fmt.Errorf("send tx %s: %w", t.TxHash, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBroadcastUnknown, t.TxHash, err)
}

func (v *EthVault) Release(Transfer) {
	v.resync()
}

// resync makes the next Sign start from the node's pending nonce.
func (v *EthVault) resync() {
	v.mu.Lock()
	v.nextNonce = 0
	v.mu.Unlock()
}

func (v *EthVault) Receipt(ctx context.Context, txHash string) (Receipt, error) {
	hash := common.HexToHash(txHash)

	rcpt, err := v.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		status := ReceiptConfirmed
		if rcpt.Status != types.ReceiptStatusSuccessful {
			status = ReceiptFailed
		}
		return Receipt{TxHash: txHash, Status: status, BlockNumber: rcpt.BlockNumber.Uint64()}, nil
	case !errors.Is(err, ethereum.NotFound):
		return Receipt{}, fmt.Errorf("receipt %s: %w", txHash, err)
	}

	_, isPending, err := v.client.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return Receipt{TxHash: txHash, Status: ReceiptNotFound}, nil
	case err != nil:
		return Receipt{}, fmt.Errorf("lookup tx %s: %w", txHash, err)
	case isPending:
		return Receipt{TxHash: txHash, Status: ReceiptPending}, nil
	default:
		// Mined but the receipt is not indexed yet.
		return Receipt{TxHash: txHash, Status: ReceiptPending}, nil
	}
}

func (v *EthVault) NonceSpent(ctx context.Context, nonce uint64) (bool, error) {
	confirmed, err := v.client.NonceAt(ctx, v.from, nil)
	if err != nil {
		return false, fmt.Errorf("confirmed nonce: %w", err)
	}
	return confirmed > nonce, nil
}

func (v *EthVault) Cancel(ctx context.Context, t Transfer) (Transfer, error) {
	orig, err := decodeTx(t)
	if err != nil {
		return Transfer{}, err
	}
	suggested, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return Transfer{}, fmt.Errorf("suggest gas price: %w", err)
	}
	// Nodes only replace a pending transaction for a price bump of at
	// least 10%.
	bumped := new(big.Int).Div(new(big.Int).Mul(orig.GasPrice(), big.NewInt(9)), big.NewInt(8))
	bumped.Add(bumped, big.NewInt(1))
	if suggested.Cmp(bumped) > 0 {
		bumped = suggested
	}

	tx := types.NewTransaction(t.Nonce, v.from, new(big.Int), DefaultGasLimit, bumped, nil)
	signed, c, err := v.sign(tx, v.Address(), 0)
	if err != nil {
		return Transfer{}, err
	}
	if err := v.client.SendTransaction(ctx, signed); err != nil && !strings.Contains(err.Error(), "already known") {
		return Transfer{}, fmt.Errorf("send cancel for %s: %w", t.TxHash, err)
	}
	return c, nil
}

func decodeTx(t Transfer) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(t.Raw); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", t.TxHash, err)
	}
	return tx, nil
}
