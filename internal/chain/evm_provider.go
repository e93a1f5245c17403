package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/config"
	"attest-backend/internal/metrics"
)

// AnchorMarker prefixes the calldata of every anchor transaction so anchors
// can be found by scanning the signer's transactions.
const AnchorMarker = "ATTEST1"

// EVMProvider talks JSON-RPC 2.0 to an EVM node. Anchor transactions are
// zero-value EIP-1559 self-sends carrying AnchorMarker || root as data.
type EVMProvider struct {
	chain    string
	chainID  *big.Int
	depth    uint64
	gasLimit uint64

	rpc *rpc.Client
	eth *ethclient.Client

	key  *ecdsa.PrivateKey
	from common.Address

	logger logrus.FieldLogger
}

// DialEVM connects to the first reachable endpoint of network whose chain id
// matches the configuration.
func DialEVM(ctx context.Context, name string, network config.NetworkConfig, logger logrus.FieldLogger) (*EVMProvider, error) {
	if len(network.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRPCEndpoint, name)
	}

	var key *ecdsa.PrivateKey
	if network.PrivateKey != "" {
		k, err := crypto.HexToECDSA(strings.TrimPrefix(network.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse %s signer key: %w", name, err)
		}
		key = k
	}

	var lastErr error
	for i, endpoint := range network.RPCEndpoints {
		client, err := rpc.DialContext(ctx, endpoint)
		if err != nil {
			lastErr = err
			logger.WithFields(logrus.Fields{"chain": name, "endpoint": i}).WithError(err).Warn("❌ Dial failed")
			continue
		}

		p := NewEVMProvider(name, int64(network.ChainID), ConfirmationDepthFor(name, network.Confirmations), client, key)
		p.gasLimit = network.GasLimit
		p.logger = logger

		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		id, err := p.eth.ChainID(checkCtx)
		cancel()
		if err != nil {
			lastErr = err
			client.Close()
			logger.WithFields(logrus.Fields{"chain": name, "endpoint": i}).WithError(err).Warn("❌ Chain id check failed")
			continue
		}
		if network.ChainID != 0 && id.Int64() != int64(network.ChainID) {
			lastErr = fmt.Errorf("endpoint reports chain id %s, expected %d", id, network.ChainID)
			client.Close()
			continue
		}
		p.chainID = id

		logger.WithFields(logrus.Fields{"chain": name, "chain_id": id, "signer": p.from.Hex()}).Info("✅ Chain provider connected")
		return p, nil
	}
	return nil, fmt.Errorf("connect %s: all endpoints failed: %w", name, lastErr)
}

// NewEVMProvider wraps an existing rpc client. key may be nil for read-only use.
func NewEVMProvider(name string, chainID int64, depth uint64, client *rpc.Client, key *ecdsa.PrivateKey) *EVMProvider {
	p := &EVMProvider{
		chain:   name,
		chainID: big.NewInt(chainID),
		depth:   depth,
		rpc:     client,
		eth:     ethclient.NewClient(client),
		key:     key,
		logger:  logrus.StandardLogger(),
	}
	if key != nil {
		p.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return p
}

func (p *EVMProvider) Chain() string             { return p.chain }
func (p *EVMProvider) ConfirmationDepth() uint64 { return p.depth }

func (p *EVMProvider) call(ctx context.Context, result any, method string, args ...any) error {
	start := time.Now()
	err := p.rpc.CallContext(ctx, result, method, args...)
	metrics.RPCDuration.WithLabelValues(p.chain, method).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.chain, method, err)
	}
	return nil
}

func (p *EVMProvider) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := p.call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// rpcBlock reads the node-reported hash instead of recomputing it from the
// header, which not every EVM chain's header encoding allows.
type rpcBlock struct {
	Number  hexutil.Uint64 `json:"number"`
	Hash    common.Hash    `json:"hash"`
	BaseFee *hexutil.Big   `json:"baseFeePerGas"`
}

type rpcReceipt struct {
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	BlockHash   common.Hash    `json:"blockHash"`
	Status      hexutil.Uint64 `json:"status"`
}

func (p *EVMProvider) blockAt(ctx context.Context, tag string) (*rpcBlock, error) {
	var blk *rpcBlock
	if err := p.call(ctx, &blk, "eth_getBlockByNumber", tag, false); err != nil {
		return nil, err
	}
	return blk, nil
}

func (p *EVMProvider) TransactionStatus(ctx context.Context, txHash string, recorded *BlockRef) (*TxStatus, error) {
	var rcpt *rpcReceipt
	if err := p.call(ctx, &rcpt, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, err
	}

	if rcpt == nil {
		// a receipt that was in a block and is now gone was reorged out
		return &TxStatus{Reorged: recorded != nil && recorded.Hash != ""}, nil
	}

	head, err := p.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	status := &TxStatus{
		Failed:      rcpt.Status == 0,
		BlockNumber: uint64(rcpt.BlockNumber),
		BlockHash:   rcpt.BlockHash.Hex(),
	}
	status.Confirmed = !status.Failed
	if head >= status.BlockNumber {
		status.Confirmations = head - status.BlockNumber + 1
	}

	if recorded != nil && recorded.Hash != "" {
		blk, err := p.blockAt(ctx, hexutil.EncodeUint64(recorded.Number))
		if err != nil {
			return nil, err
		}
		if blk == nil || !strings.EqualFold(blk.Hash.Hex(), recorded.Hash) ||
			!strings.EqualFold(status.BlockHash, recorded.Hash) {
			status.Reorged = true
		}
	}
	return status, nil
}

func (p *EVMProvider) GasPrice(ctx context.Context) (*big.Int, error) {
	var tip hexutil.Big
	if err := p.call(ctx, &tip, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	return tip.ToInt(), nil
}

func (p *EVMProvider) Broadcast(ctx context.Context, root []byte) (string, error) {
	if p.key == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingSigner, p.chain)
	}

	nonce, err := p.eth.PendingNonceAt(ctx, p.from)
	if err != nil {
		return "", fmt.Errorf("%s nonce: %w", p.chain, err)
	}
	tip, err := p.GasPrice(ctx)
	if err != nil {
		return "", err
	}
	head, err := p.blockAt(ctx, "latest")
	if err != nil {
		return "", err
	}
	if head == nil {
		return "", errors.New("latest block not available")
	}
	baseFee := tip
	if head.BaseFee != nil {
		baseFee = head.BaseFee.ToInt()
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	data := append([]byte(AnchorMarker), root...)
	to := p.from

	gas := p.gasLimit
	if gas == 0 {
		estimated, err := p.eth.EstimateGas(ctx, ethereum.CallMsg{
			From:      p.from,
			To:        &to,
			GasFeeCap: feeCap,
			GasTipCap: tip,
			Data:      data,
		})
		if err != nil {
			return "", fmt.Errorf("%s estimate gas: %w", p.chain, err)
		}
		gas = estimated * 12 / 10
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(p.chainID), p.key)
	if err != nil {
		return "", fmt.Errorf("%s sign: %w", p.chain, err)
	}
	if err := p.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%s send: %w", p.chain, err)
	}

	p.logger.WithFields(logrus.Fields{
		"chain":   p.chain,
		"tx_hash": signed.Hash().Hex(),
		"nonce":   nonce,
		"gas":     gas,
	}).Info("📤 Anchor transaction sent")
	return signed.Hash().Hex(), nil
}

func (p *EVMProvider) Close() {
	p.rpc.Close()
}
