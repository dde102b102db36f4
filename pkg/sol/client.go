// Package sol reads balances from and sends payouts on Solana.
package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/utils/pkg/retry"
)

// RPCClient is the subset of the solana-go RPC client used here.
type RPCClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// NewRPCClient returns a client for url after rejecting devnet endpoints.
func NewRPCClient(url string) (*rpc.Client, error) {
	if url == "" {
		url = DefaultRPCURL
	}
	if err := ValidateRPCURL(url); err != nil {
		return nil, err
	}
	return rpc.New(url), nil
}

// Treasury reads the SOL balance of one account.
type Treasury struct {
	client RPCClient
	pubkey solana.PublicKey
	retry  retry.Config
}

func NewTreasury(client RPCClient, pubkey string) (*Treasury, error) {
	pk, err := solana.PublicKeyFromBase58(pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury pubkey: %w", err)
	}
	return &Treasury{client: client, pubkey: pk, retry: retry.DefaultConfig()}, nil
}

// Balance returns the finalized balance of the treasury in lamports.
func (t *Treasury) Balance(ctx context.Context) (int64, error) {
	var lamports uint64
	err := retry.Do(ctx, t.retry, func() error {
		res, err := t.client.GetBalance(ctx, t.pubkey, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		lamports = res.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance of %s: %w", t.pubkey, err)
	}
	return int64(lamports), nil
}

// TokenBalances reads SPL token holdings.
type TokenBalances struct {
	client RPCClient
}

func NewTokenBalances(client RPCClient) *TokenBalances {
	return &TokenBalances{client: client}
}

// TokenBalance sums the UI amount of every token account of mint owned by wallet. A wallet
// without token accounts holds zero.
func (b *TokenBalances) TokenBalance(ctx context.Context, wallet, mint string) (float64, error) {
	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return 0, fmt.Errorf("invalid wallet: %w", err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid mint: %w", err)
	}

	accounts, err := b.client.GetTokenAccountsByOwner(ctx, owner, &rpc.GetTokenAccountsConfig{
		Mint: &mintKey,
	}, &rpc.GetTokenAccountsOpts{
		Encoding: solana.EncodingBase64,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get token accounts: %w", err)
	}

	var total float64
	for _, acc := range accounts.Value {
		bal, err := b.client.GetTokenAccountBalance(ctx, acc.Pubkey, rpc.CommitmentConfirmed)
		if err != nil {
			return 0, fmt.Errorf("failed to get token account balance of %s: %w", acc.Pubkey, err)
		}
		if bal.Value == nil {
			continue
		}
		amount, err := strconv.ParseFloat(bal.Value.UiAmountString, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid token amount %q: %w", bal.Value.UiAmountString, err)
		}
		total += amount
	}
	return total, nil
}

// Payer signs and sends native SOL transfers from a keypair file.
type Payer struct {
	log         *slog.Logger
	client      RPCClient
	keypairPath string

	mu  sync.Mutex
	key solana.PrivateKey
}

func NewPayer(log *slog.Logger, client RPCClient, keypairPath string) *Payer {
	return &Payer{log: log, client: client, keypairPath: keypairPath}
}

// CheckCredentials loads the keypair, failing if the path is unset, missing or unreadable.
func (p *Payer) CheckCredentials() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != nil {
		return nil
	}
	if p.keypairPath == "" {
		return errors.New("treasury keypair path is not set")
	}
	if _, err := os.Stat(p.keypairPath); err != nil {
		return fmt.Errorf("treasury keypair not found at %s: %w", p.keypairPath, err)
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(p.keypairPath)
	if err != nil {
		return fmt.Errorf("failed to load treasury keypair: %w", err)
	}
	p.key = key
	return nil
}

// PublicKey returns the payer address once credentials are loaded.
func (p *Payer) PublicKey() (solana.PublicKey, error) {
	if err := p.CheckCredentials(); err != nil {
		return solana.PublicKey{}, err
	}
	return p.key.PublicKey(), nil
}

// Transfer sends lamports to wallet. Errors before the transaction is submitted return FAILED
// with an error; a submitted transaction returns SENT with its signature.
func (p *Payer) Transfer(ctx context.Context, wallet string, lamports int64) (contest.TransferStatus, *string, error) {
	if lamports <= 0 {
		return contest.StatusFailed, nil, fmt.Errorf("invalid amount %d", lamports)
	}
	if err := p.CheckCredentials(); err != nil {
		return contest.StatusFailed, nil, err
	}
	to, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return contest.StatusFailed, nil, fmt.Errorf("invalid recipient: %w", err)
	}
	from := p.key.PublicKey()

	bh, err := p.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return contest.StatusFailed, nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(uint64(lamports), from, to).Build(),
		},
		bh.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return contest.StatusFailed, nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &p.key
		}
		return nil
	}); err != nil {
		return contest.StatusFailed, nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := p.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return contest.StatusFailed, nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	s := sig.String()
	p.log.Debug("sol: transfer submitted", "to", wallet, "lamports", lamports, "signature", s)
	return contest.StatusSent, &s, nil
}

// DryRunPayer performs no transfers.
type DryRunPayer struct {
	log *slog.Logger
}

func NewDryRunPayer(log *slog.Logger) *DryRunPayer {
	return &DryRunPayer{log: log}
}

func (p *DryRunPayer) Transfer(ctx context.Context, wallet string, lamports int64) (contest.TransferStatus, *string, error) {
	p.log.Info("sol: dry run transfer", "to", wallet, "lamports", lamports, "sol", contest.LamportsToSOL(lamports))
	return contest.StatusDryRun, nil, nil
}
