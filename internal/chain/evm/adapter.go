// Package evm implements the chain adapter for account-style EVM chains.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/crossbridge/internal/chain"
)

// Adapter talks to an EVM chain over JSON-RPC.
type Adapter struct {
	client  *ethclient.Client
	chainID *big.Int
}

// Dial connects to an EVM RPC endpoint.
func Dial(rpcURL string, chainID int64) (*Adapter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return &Adapter{client: client, chainID: big.NewInt(chainID)}, nil
}

// GetTransaction implements chain.Adapter. Confirmations are computed as
// currentHeight - receiptHeight; Success reflects the receipt status, which
// the verifier requires in addition to depth for account-style chains.
func (a *Adapter) GetTransaction(ctx context.Context, identifier string) (*chain.TxInfo, error) {
	hash := common.HexToHash(identifier)

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Receipt missing can mean unknown or still in the mempool.
			tx, _, txErr := a.client.TransactionByHash(ctx, hash)
			if errors.Is(txErr, ethereum.NotFound) {
				return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, identifier)
			}
			if txErr != nil {
				return nil, fmt.Errorf("%w: %v", chain.ErrAdapterUnavailable, txErr)
			}
			return pendingTxInfo(tx), nil
		}
		return nil, fmt.Errorf("%w: %v", chain.ErrAdapterUnavailable, err)
	}

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrAdapterUnavailable, err)
	}

	tx, _, err := a.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrAdapterUnavailable, err)
	}

	info := &chain.TxInfo{
		Found:   true,
		Height:  receipt.BlockNumber.Uint64(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		Value:   tx.Value(),
	}
	if head >= info.Height {
		info.Confirmations = head - info.Height + 1
	}
	if to := tx.To(); to != nil {
		info.To = to.Hex()
	}
	if from, err := types.Sender(types.LatestSignerForChainID(a.chainID), tx); err == nil {
		info.From = from.Hex()
	}
	return info, nil
}

// Broadcast implements chain.Adapter. The payload must be an RLP-encoded
// signed transaction; signing happens outside the engine.
func (a *Adapter) Broadcast(ctx context.Context, signedPayload []byte) (*chain.BroadcastResult, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signedPayload); err != nil {
		return nil, fmt.Errorf("%w: malformed signed transaction: %v", chain.ErrBroadcastRejected, err)
	}

	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrBroadcastRejected, err)
	}

	fee := new(big.Int).Mul(tx.GasPrice(), big.NewInt(int64(tx.Gas())))
	return &chain.BroadcastResult{
		Accepted:   true,
		Identifier: tx.Hash().Hex(),
		FeePaid:    fee,
	}, nil
}

// Close releases the underlying RPC connection.
func (a *Adapter) Close() {
	a.client.Close()
}

func pendingTxInfo(tx *types.Transaction) *chain.TxInfo {
	info := &chain.TxInfo{
		Found: true,
		Value: tx.Value(),
	}
	if to := tx.To(); to != nil {
		info.To = to.Hex()
	}
	return info
}
