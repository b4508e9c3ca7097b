// Package electrum implements the thin request/response contract over the
// Electrum JSON-RPC protocol described in spec §4.2 and §6: a line-delimited
// JSON-RPC transport, lazy connection, request/response demultiplexing by
// id, and retry/timeout policy.
//
// Grounded directly on the teacher's electrum/client.go (same wire framing,
// same per-id response channel map), generalized per spec §9 "Proxy-wrapped
// lazy initialization": connection establishment is deferred to the first
// RPC call instead of happening in the constructor, gated so at most one
// initialization is in flight at a time and shared by concurrent callers.
package electrum

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/spacesops/wdk-wallet-btc/internal/walleterrors"
)

// Protocol selects the transport used to reach the Electrum server.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolTLS Protocol = "tls"
)

// PersistenceConfig controls reconnection behavior. PingPeriodMS is carried
// in the configuration but not read: the gateway sends no keepalive pings.
type PersistenceConfig struct {
	RetryPeriodMS int
	MaxRetry      int
	PingPeriodMS  int
}

// DefaultPersistence matches spec §6's documented default
// {1000, 2, 120000}.
func DefaultPersistence() PersistenceConfig {
	return PersistenceConfig{RetryPeriodMS: 1000, MaxRetry: 2, PingPeriodMS: 120000}
}

// Config describes how to reach one Electrum server.
type Config struct {
	Host          string
	Port          int
	Protocol      Protocol
	Persistence   PersistenceConfig
	InitTimeout   time.Duration // spec §3 DEFAULT_TIMEOUT = 15s
	RequestTimeout time.Duration
	Logger        hclog.Logger
}

// DefaultConfig matches spec §6's documented default:
// electrum.blockstream.info:50001, tcp.
func DefaultConfig() Config {
	return Config{
		Host:           "electrum.blockstream.info",
		Port:           50001,
		Protocol:       ProtocolTCP,
		Persistence:    DefaultPersistence(),
		InitTimeout:    15 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Message string `json:"message"`
}

// Gateway is a single persistent duplex connection to one Electrum server,
// lazily established and transparently reconnected. It implements spec
// §4.2's ElectrumGateway operations.
type Gateway struct {
	cfg Config
	log hclog.Logger

	id atomic.Uint64

	connMu   sync.Mutex
	conn     net.Conn
	ready    chan struct{} // closed once a connection attempt (success or failure) completes
	readyErr error
	closed   bool

	respMu   sync.Mutex
	respChan map[uint64]chan *rpcResponse
}

// New creates a Gateway that has not yet connected. The first RPC call
// triggers connection establishment.
func New(cfg Config) *Gateway {
	if cfg.Host == "" {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Gateway{
		cfg:      cfg,
		log:      logger,
		respChan: make(map[uint64]chan *rpcResponse),
	}
}

// ensureReady establishes the connection if needed. At most one
// initialization attempt is in flight at a time; concurrent callers await
// the same attempt. On failure, the next call starts a fresh attempt, up to
// Persistence.MaxRetry times overall before giving up for that call.
func (g *Gateway) ensureReady(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		g.connMu.Lock()
		if g.closed {
			g.connMu.Unlock()
			return walleterrors.New(walleterrors.KindDisposed, "gateway is closed")
		}
		if g.conn != nil {
			g.connMu.Unlock()
			return nil
		}
		if g.ready != nil {
			ready := g.ready
			g.connMu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return walleterrors.Wrap(walleterrors.KindConnectTimeout, ctx.Err(), "waiting for connection")
			}
			g.connMu.Lock()
			err := g.readyErr
			ok := g.conn != nil
			g.connMu.Unlock()
			if ok {
				return nil
			}
			if attempt >= g.cfg.Persistence.MaxRetry {
				return walleterrors.Wrap(walleterrors.KindConnectTimeout, err, "electrum connection failed after %d attempts", attempt+1)
			}
			time.Sleep(time.Duration(g.cfg.Persistence.RetryPeriodMS) * time.Millisecond)
			continue
		}

		ready := make(chan struct{})
		g.ready = ready
		g.connMu.Unlock()

		err := g.connectOnce(ctx)

		g.connMu.Lock()
		g.readyErr = err
		if err == nil {
			g.ready = nil
		} else {
			g.ready = nil // allow the next attempt to try again
		}
		g.connMu.Unlock()
		close(ready)

		if err == nil {
			return nil
		}
		if attempt >= g.cfg.Persistence.MaxRetry {
			return walleterrors.Wrap(walleterrors.KindConnectTimeout, err, "electrum connection failed after %d attempts", attempt+1)
		}
		time.Sleep(time.Duration(g.cfg.Persistence.RetryPeriodMS) * time.Millisecond)
	}
}

func (g *Gateway) connectOnce(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.Host, fmt.Sprintf("%d", g.cfg.Port))
	dialer := &net.Dialer{Timeout: g.cfg.InitTimeout}

	var conn net.Conn
	var err error
	if g.cfg.Protocol == ProtocolTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: g.cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		g.log.Warn("electrum connect failed", "addr", addr, "error", err)
		return err
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	go g.readLoop(conn)

	g.log.Info("electrum connected", "addr", addr)
	return nil
}

// readLoop demultiplexes responses by id until the connection fails, then
// fails every in-flight request and clears the connection so the next call
// reconnects.
func (g *Gateway) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			g.dropConnection(conn)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// Malformed frame: log and discard, per spec §7 — do not poison
			// the connection.
			g.log.Warn("discarding malformed electrum frame", "error", err)
			continue
		}

		g.respMu.Lock()
		ch, ok := g.respChan[resp.ID]
		if ok {
			delete(g.respChan, resp.ID)
		}
		g.respMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (g *Gateway) dropConnection(conn net.Conn) {
	g.connMu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.connMu.Unlock()
	conn.Close()

	g.respMu.Lock()
	for id, ch := range g.respChan {
		close(ch)
		delete(g.respChan, id)
	}
	g.respMu.Unlock()
}

// call performs one JSON-RPC request/response round trip, reconnecting if
// necessary, and enforces the per-request timeout.
func (g *Gateway) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if err := g.ensureReady(ctx); err != nil {
		return nil, err
	}

	id := g.id.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	respCh := make(chan *rpcResponse, 1)
	g.respMu.Lock()
	g.respChan[id] = respCh
	g.respMu.Unlock()

	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		g.respMu.Lock()
		delete(g.respChan, id)
		g.respMu.Unlock()
		return nil, walleterrors.New(walleterrors.KindConnectTimeout, "no active electrum connection")
	}

	if _, err := conn.Write(data); err != nil {
		g.respMu.Lock()
		delete(g.respChan, id)
		g.respMu.Unlock()
		return nil, walleterrors.Wrap(walleterrors.KindRequestTimeout, err, "failed to write request")
	}

	timeout := g.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, walleterrors.New(walleterrors.KindRequestTimeout, "connection closed while awaiting response")
		}
		if resp.Error != nil {
			return nil, walleterrors.New(walleterrors.KindRPCError, "%s", resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		g.respMu.Lock()
		delete(g.respChan, id)
		g.respMu.Unlock()
		return nil, walleterrors.New(walleterrors.KindRequestTimeout, "rpc %s timed out", method)
	case <-ctx.Done():
		g.respMu.Lock()
		delete(g.respChan, id)
		g.respMu.Unlock()
		return nil, walleterrors.Wrap(walleterrors.KindRequestTimeout, ctx.Err(), "rpc %s canceled", method)
	}
}

// Close shuts down the connection. Subsequent calls fail with ErrDisposed.
func (g *Gateway) Close() {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	g.closed = true
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
}

// EstimateFeePerVByte queries blockchain.estimatefee and converts BTC/kB to
// sat/vB, floored at 1. Spec §4.2.
func (g *Gateway) EstimateFeePerVByte(ctx context.Context) (uint64, error) {
	result, err := g.call(ctx, "blockchain.estimatefee", 1)
	if err != nil {
		return 0, err
	}
	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil {
		return 0, walleterrors.Wrap(walleterrors.KindRPCError, err, "failed to parse fee estimate")
	}
	if btcPerKB <= 0 {
		return 1, nil
	}
	satPerVByte := uint64(btcPerKB * 1e8 / 1000)
	if satPerVByte < 1 {
		satPerVByte = 1
	}
	return satPerVByte, nil
}

// ScriptBalance queries blockchain.scripthash.get_balance.
func (g *Gateway) ScriptBalance(ctx context.Context, scriptHash string) (Balance, error) {
	result, err := g.call(ctx, "blockchain.scripthash.get_balance", scriptHash)
	if err != nil {
		return Balance{}, err
	}
	var bal Balance
	if err := json.Unmarshal(result, &bal); err != nil {
		return Balance{}, walleterrors.Wrap(walleterrors.KindRPCError, err, "failed to parse balance")
	}
	return bal, nil
}

// Unspent queries blockchain.scripthash.listunspent.
func (g *Gateway) Unspent(ctx context.Context, scriptHash string) ([]UnspentRef, error) {
	result, err := g.call(ctx, "blockchain.scripthash.listunspent", scriptHash)
	if err != nil {
		return nil, err
	}
	var refs []UnspentRef
	if err := json.Unmarshal(result, &refs); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindRPCError, err, "failed to parse unspent list")
	}
	return refs, nil
}

// GetTransactionHex queries blockchain.transaction.get and returns the raw
// hex-encoded transaction.
func (g *Gateway) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	result, err := g.call(ctx, "blockchain.transaction.get", txid)
	if err != nil {
		return "", err
	}
	var rawHex string
	if err := json.Unmarshal(result, &rawHex); err != nil {
		return "", walleterrors.Wrap(walleterrors.KindRPCError, err, "failed to parse transaction")
	}
	return rawHex, nil
}

// Broadcast queries blockchain.transaction.broadcast and returns the txid.
func (g *Gateway) Broadcast(ctx context.Context, rawHex string) (string, error) {
	result, err := g.call(ctx, "blockchain.transaction.broadcast", rawHex)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", walleterrors.Wrap(walleterrors.KindRPCError, err, "failed to parse broadcast result")
	}
	return txid, nil
}

// History queries blockchain.scripthash.get_history, newest-first per
// server contract.
func (g *Gateway) History(ctx context.Context, scriptHash string) ([]HistoryEntry, error) {
	result, err := g.call(ctx, "blockchain.scripthash.get_history", scriptHash)
	if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(result, &entries); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindRPCError, err, "failed to parse history")
	}
	return entries, nil
}

// ScriptHash derives the Electrum scripthash for a scriptPubKey: SHA256,
// byte-reversed, hex-encoded. Spec §4.2 "Addressing".
func ScriptHash(scriptPubKey []byte) string {
	sum := sha256.Sum256(scriptPubKey)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}
