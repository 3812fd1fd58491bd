package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"remitrails/internal/remit"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_from","type":"address"},{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	// ErrNativePullUnsupported is returned because an off-chain operator key
	// cannot draw native value from another account.
	ErrNativePullUnsupported = errors.New("custody: native asset must be deposited by the sender")
	ErrTxReverted            = errors.New("custody: transaction reverted")
)

// EthCustody holds escrowed funds in an operator-controlled vault account on an
// EVM chain. Pull uses transferFrom against the sender's allowance; Push
// sends transfers out of the vault.
type EthCustody struct {
	client         *ethclient.Client
	erc20          abi.ABI
	vault          common.Address
	chainID        *big.Int
	transacts      *bind.TransactOpts
	receiptTimeout time.Duration
	logger         *zap.Logger
}

type EthCustodyConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ReceiptTimeout time.Duration
}

func NewEthCustody(ctx context.Context, cfg EthCustodyConfig, logger *zap.Logger) (*EthCustody, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("vault private key is required")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &EthCustody{
		client:         cli,
		erc20:          parsedABI,
		vault:          crypto.PubkeyToAddress(pk.PublicKey),
		chainID:        chainID,
		transacts:      txOpts,
		receiptTimeout: timeout,
		logger:         logger,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Vault returns the custody account address.
func (c *EthCustody) Vault() common.Address { return c.vault }

func (c *EthCustody) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *EthCustody) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthCustody) Pull(ctx context.Context, from, token common.Address, amount *uint256.Int) error {
	if token == remit.NativeToken {
		return ErrNativePullUnsupported
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	contract := bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
	tx, err := contract.Transact(c.opts(ctx, nil), "transferFrom", from, c.vault, amount.ToBig())
	if err != nil {
		return fmt.Errorf("transferFrom tx: %w", err)
	}
	c.logger.Info("custody pull submitted",
		zap.String("from", from.Hex()),
		zap.String("token", token.Hex()),
		zap.String("amount", amount.Dec()),
		zap.String("txHash", tx.Hash().Hex()))
	return c.confirm(ctx, tx)
}

// Push checks the vault covers the whole batch before sending any leg. Each
// leg is its own chain transaction. Only failures before the first leg is
// submitted wrap remit.ErrNothingMoved; later failures report how many legs
// were attempted and leave the outcome to reconciliation.
func (c *EthCustody) Push(ctx context.Context, token common.Address, payouts ...remit.Payout) error {
	total, err := sumPayouts(payouts)
	if err != nil {
		return fmt.Errorf("%w: %w", remit.ErrNothingMoved, err)
	}
	held, err := c.balance(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %w", remit.ErrNothingMoved, err)
	}
	if held.Cmp(total.ToBig()) < 0 {
		return fmt.Errorf("%w: %w: vault holds %s, need %s", remit.ErrNothingMoved, ErrInsufficientCustody, held, total.Dec())
	}

	for i, p := range payouts {
		if p.Amount.IsZero() {
			continue
		}
		var tx *types.Transaction
		if token == remit.NativeToken {
			recipient := bind.NewBoundContract(p.To, abi.ABI{}, c.client, c.client, c.client)
			tx, err = recipient.Transfer(c.opts(ctx, p.Amount.ToBig()))
		} else {
			contract := bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
			tx, err = contract.Transact(c.opts(ctx, nil), "transfer", p.To, p.Amount.ToBig())
		}
		if err == nil {
			err = c.confirm(ctx, tx)
		}
		if err != nil {
			return fmt.Errorf("payout %d/%d to %s: %w", i+1, len(payouts), p.To.Hex(), err)
		}
	}
	return nil
}

func (c *EthCustody) opts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	opts := *c.transacts
	opts.Context = ctx
	opts.Value = value
	return &opts
}

func (c *EthCustody) balance(ctx context.Context, token common.Address) (*big.Int, error) {
	if token == remit.NativeToken {
		return c.client.BalanceAt(ctx, c.vault, nil)
	}
	contract := bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", c.vault); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	bal, ok := out[0].(*big.Int)
	if !ok || bal == nil {
		return big.NewInt(0), nil
	}
	return bal, nil
}

func (c *EthCustody) confirm(ctx context.Context, tx *types.Transaction) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := waitForReceipt(waitCtx, c.client, tx)
	if err != nil {
		return fmt.Errorf("wait receipt %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}
	return nil
}

// waitForReceipt polls until the transaction is mined or ctx is done.
func waitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
