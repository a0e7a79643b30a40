package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	registryABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
	resolverABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"node","type":"bytes32"}],"name":"name","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}]`
)

var (
	registryABI abi.ABI
	resolverABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic("failed to parse ENS registry ABI: " + err.Error())
	}
	registryABI = parsed

	parsed, err = abi.JSON(strings.NewReader(resolverABIJSON))
	if err != nil {
		panic("failed to parse ENS resolver ABI: " + err.Error())
	}
	resolverABI = parsed
}

// Options parameterise the reverse resolver.
type Options struct {
	RPCURL          string
	RegistryAddress string
	Timeout         time.Duration
	CacheSize       int
}

// Resolver resolves reverse ENS records via Ethereum RPC with a bounded
// in-process cache. Lookup failures never propagate into the pipeline; the
// caller falls back to a shortened address.
type Resolver struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	cacheMux sync.Mutex
	cache    map[string]string
}

// New builds a reverse resolver.
func New(opts Options, logger zerolog.Logger) *Resolver {
	size := opts.CacheSize
	if size <= 0 {
		size = 512
	}
	opts.CacheSize = size

	return &Resolver{
		opts:   opts,
		logger: logger.With().Str("component", "identity").Logger(),
		cache:  make(map[string]string, size),
	}
}

// DisplayName returns the reverse ENS name for addr when one resolves, else
// the shortened address form.
func (r *Resolver) DisplayName(ctx context.Context, addr string) string {
	name, err := r.ReverseName(ctx, addr)
	if err != nil {
		r.logger.Debug().Err(err).Str("addr", addr).Msg("reverse lookup failed")
		return Shorten(addr)
	}
	if name == "" {
		return Shorten(addr)
	}
	return name
}

// ReverseName resolves <addr>.addr.reverse through the registry. An address
// without a reverse record yields an empty name and no error.
func (r *Resolver) ReverseName(ctx context.Context, addr string) (string, error) {
	if r.opts.RPCURL == "" {
		return "", errors.New("ethereum rpc url not configured")
	}
	if r.opts.RegistryAddress == "" {
		return "", errors.New("ens registry address not configured")
	}
	if addr == "" {
		return "", errors.New("empty address")
	}

	key := strings.ToLower(addr)
	if cached, ok := r.cacheGet(key); ok {
		return cached, nil
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return "", err
	}

	node := ReverseNode(addr)

	registry := common.HexToAddress(r.opts.RegistryAddress)
	payload, err := registryABI.Pack("resolver", node)
	if err != nil {
		return "", err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &registry, Data: payload}, nil)
	if err != nil {
		return "", err
	}
	outputs, err := registryABI.Unpack("resolver", res)
	if err != nil {
		return "", err
	}
	if len(outputs) != 1 {
		return "", errors.New("unexpected resolver response")
	}
	resolverAddr, ok := outputs[0].(common.Address)
	if !ok {
		return "", errors.New("failed to decode resolver address")
	}
	if resolverAddr == (common.Address{}) {
		r.cachePut(key, "")
		return "", nil
	}

	payload, err = resolverABI.Pack("name", node)
	if err != nil {
		return "", err
	}
	res, err = client.CallContract(ctx, ethereum.CallMsg{To: &resolverAddr, Data: payload}, nil)
	if err != nil {
		return "", err
	}
	outputs, err = resolverABI.Unpack("name", res)
	if err != nil {
		return "", err
	}
	if len(outputs) != 1 {
		return "", errors.New("unexpected name response")
	}
	name, ok := outputs[0].(string)
	if !ok {
		return "", errors.New("failed to decode name output")
	}

	r.cachePut(key, name)
	return name, nil
}

func (r *Resolver) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *Resolver) cacheGet(key string) (string, bool) {
	r.cacheMux.Lock()
	defer r.cacheMux.Unlock()
	name, ok := r.cache[key]
	return name, ok
}

func (r *Resolver) cachePut(key, name string) {
	r.cacheMux.Lock()
	defer r.cacheMux.Unlock()
	if len(r.cache) >= r.opts.CacheSize {
		for evict := range r.cache {
			delete(r.cache, evict)
			break
		}
	}
	r.cache[key] = name
}

// ReverseNode computes the namehash of "<hex-addr>.addr.reverse".
func ReverseNode(addr string) [32]byte {
	hexAddr := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	return Namehash(hexAddr + ".addr.reverse")
}

// Namehash implements EIP-137 name hashing.
func Namehash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		copy(node[:], crypto.Keccak256(node[:], labelHash))
	}
	return node
}

// Shorten renders the 0x1234…cdef display form.
func Shorten(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
