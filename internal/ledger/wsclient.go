// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/sashimono/agent/internal/sockproto"
)

// Memo types carried on marketplace transactions.
const (
	memoAcquireLease   = "evnAcquireLease"
	memoAcquireSuccess = "evnAcquireSuccess"
	memoAcquireError   = "evnAcquireError"
	memoExtendLease    = "evnExtendLease"
	memoExtendSuccess  = "evnExtendSuccess"
	memoExtendError    = "evnExtendError"
	memoTerminateLease = "evnTerminateLease"
	memoHostRegistered = "evnHostRegistered"
	memoRefund         = "evnRefund"
	memoUpdateReg      = "evnUpdateReg"
	memoHeartbeat      = "evnHeartbeat"
	memoExpireLease    = "evnExpireLease"
	memoBurnLease      = "evnBurnLease"
	memoPrepareAccount = "evnPrepareAccount"
	memoRebateRequest  = "evnRebateRequest"
)

// How long a submission waits for validation before ErrTookTooLong.
const (
	validationPollDelay    = 2 * time.Second
	validationPollAttempts = 10
)

// WSConfig configures the websocket ledger client.
type WSConfig struct {
	Address         string
	Secret          string
	GovernorAddress string
	// Servers is the primary server followed by the fallbacks.
	Servers []string
	Clock   clock.Clock
	// Hub is optional; a fresh one is created when nil.
	Hub *pubsub.SimpleHub
}

// Validate checks the client configuration.
func (c WSConfig) Validate() error {
	if c.Address == "" {
		return errors.NotValidf("empty Address")
	}
	if c.Secret == "" {
		return errors.NotValidf("empty Secret")
	}
	if c.GovernorAddress == "" {
		return errors.NotValidf("empty GovernorAddress")
	}
	if len(c.Servers) == 0 {
		return errors.NotValidf("no Servers")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

var _ Client = (*WSClient)(nil)

// WSClient is the websocket Client implementation.
type WSClient struct {
	config WSConfig
	hub    *pubsub.SimpleHub
	tomb   tomb.Tomb

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	pending    map[uint64]chan json.RawMessage
	nextID     uint64
	lastLedger uint64

	// Moment parameters, cached after the first successful hook config
	// fetch.
	momentBaseIdx uint64
	momentSize    uint64
}

// NewWSClient builds an unconnected client.
func NewWSClient(config WSConfig) (*WSClient, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	hub := config.Hub
	if hub == nil {
		hub = pubsub.NewSimpleHub(nil)
	}
	return &WSClient{
		config:  config,
		hub:     hub,
		pending: make(map[uint64]chan json.RawMessage),
	}, nil
}

// Address implements Client.
func (c *WSClient) Address() string {
	return c.config.Address
}

// Events implements Client.
func (c *WSClient) Events() *pubsub.SimpleHub {
	return c.hub
}

// Connect dials the first reachable server, subscribes to the ledger and
// account streams, and starts the event pump.
func (c *WSClient) Connect(ctx context.Context) error {
	var conn *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var dialErr error
			conn, dialErr = c.dialAny(ctx)
			return dialErr
		},
		Attempts:    3,
		Delay:       2 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.config.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return errors.Annotate(err, "connecting to ledger")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.tomb.Go(c.readLoop)

	_, err = c.request(ctx, map[string]any{
		"command":  "subscribe",
		"streams":  []string{"ledger"},
		"accounts": []string{c.config.Address},
	})
	return errors.Annotate(err, "subscribing to ledger streams")
}

func (c *WSClient) dialAny(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for _, server := range c.config.Servers {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, server, nil)
		if err == nil {
			logger.Infof("connected to ledger server %q", server)
			return conn, nil
		}
		logger.Warningf("ledger server %q unreachable: %v", server, err)
		lastErr = err
	}
	return nil, errors.Annotate(lastErr, "all ledger servers unreachable")
}

// Close tears down the session.
func (c *WSClient) Close() error {
	c.tomb.Kill(nil)
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	return c.tomb.Wait()
}

// readLoop pumps server messages: request responses are routed to their
// waiters, stream messages become hub events.
func (c *WSClient) readLoop() error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			c.hub.Publish(TopicDisconnected, errors.Annotate(err, "ledger connection lost"))
			return errors.Trace(err)
		}

		var msg struct {
			ID          *uint64         `json:"id"`
			Type        string          `json:"type"`
			Result      json.RawMessage `json:"result"`
			Status      string          `json:"status"`
			LedgerIndex uint64          `json:"ledger_index"`
			LedgerTime  int64           `json:"ledger_time"`
			Transaction json.RawMessage `json:"transaction"`
			Validated   bool            `json:"validated"`
			ErrMessage  string          `json:"error_message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warningf("discarding unparsable ledger message: %v", err)
			continue
		}

		switch {
		case msg.ID != nil:
			c.routeResponse(*msg.ID, msg.Status, msg.Result, msg.ErrMessage)
		case msg.Type == "ledgerClosed":
			c.onLedgerClosed(msg.LedgerIndex)
		case msg.Type == "transaction" && msg.Validated:
			c.onTransaction(msg.Transaction, msg.LedgerIndex)
		}
	}
}

func (c *WSClient) routeResponse(id uint64, status string, result json.RawMessage, errMsg string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if status != "success" {
		// Encode the failure so the waiter can surface it.
		result, _ = json.Marshal(map[string]string{"__error": errMsg})
	}
	ch <- result
}

// onLedgerClosed publishes a tick; a ledger index moving backwards means
// the server lost sync with the network.
func (c *WSClient) onLedgerClosed(index uint64) {
	c.mu.Lock()
	last := c.lastLedger
	if index > c.lastLedger {
		c.lastLedger = index
	}
	c.mu.Unlock()

	if last != 0 && index < last {
		c.hub.Publish(TopicServerDesynced, errors.Errorf("ledger went backwards: %d after %d", index, last))
		return
	}
	c.hub.Publish(TopicLedgerTick, TickEvent{LedgerIndex: index, Time: c.config.Clock.Now()})
}

func (c *WSClient) onTransaction(raw json.RawMessage, ledgerIndex uint64) {
	tx, ok := classifyTransaction(raw, ledgerIndex)
	if !ok {
		return
	}
	switch tx.Kind {
	case TxAcquire:
		c.hub.Publish(TopicAcquireLease, AcquireEvent{
			Tenant:        tx.Tenant,
			Host:          c.config.Address,
			AcquireTxHash: tx.Hash,
			LeaseTokenID:  tx.TokenID,
			LeaseAmount:   tx.Amount,
			LedgerIndex:   tx.LedgerIndex,
			OwnerPubKey:   tx.OwnerPubKey,
			ContractID:    tx.ContractID,
			Image:         tx.Image,
			Config:        tx.Config,
		})
	case TxExtend:
		c.hub.Publish(TopicExtendLease, ExtendEvent{
			Tenant:       tx.Tenant,
			ExtendTxHash: tx.Hash,
			LeaseTokenID: tx.TokenID,
			Payment:      tx.Amount,
			LedgerIndex:  tx.LedgerIndex,
		})
	case TxTerminate:
		c.hub.Publish(TopicTerminateLease, TerminateEvent{
			Tenant:          tx.Tenant,
			TerminateTxHash: tx.Hash,
			LeaseTokenID:    tx.TokenID,
			LedgerIndex:     tx.LedgerIndex,
		})
	default:
		if tx.Kind == TxOther && tx.memoType == memoHostRegistered {
			c.hub.Publish(TopicHostRegistered, HostRegisteredEvent{LedgerIndex: tx.LedgerIndex})
		}
	}
}

// wireTx is the subset of a rippled transaction the agent reads.
type wireTx struct {
	Hash        string `json:"hash"`
	Account     string `json:"Account"`
	Destination string `json:"Destination"`
	Amount      any    `json:"Amount"`
	URITokenID  string `json:"URITokenID"`
	Memos       []struct {
		Memo struct {
			MemoType   string `json:"MemoType"`
			MemoData   string `json:"MemoData"`
			MemoFormat string `json:"MemoFormat"`
		} `json:"Memo"`
	} `json:"Memos"`
}

// memo payloads travel hex encoded; data is JSON.
type memoPayload struct {
	TokenID     string                   `json:"token_id"`
	RefTxHash   string                   `json:"ref_tx_hash,omitempty"`
	OwnerPubKey string                   `json:"owner_pubkey,omitempty"`
	ContractID  string                   `json:"contract_id,omitempty"`
	Image       string                   `json:"image,omitempty"`
	Config      sockproto.InstanceConfig `json:"config,omitempty"`
}

func classifyTransaction(raw json.RawMessage, ledgerIndex uint64) (classifiedTx, bool) {
	var wire wireTx
	if err := json.Unmarshal(raw, &wire); err != nil {
		logger.Warningf("discarding unparsable transaction: %v", err)
		return classifiedTx{}, false
	}
	if len(wire.Memos) == 0 {
		return classifiedTx{}, false
	}
	memoType, err := hexDecodeString(wire.Memos[0].Memo.MemoType)
	if err != nil {
		return classifiedTx{}, false
	}
	memoData, err := hexDecodeString(wire.Memos[0].Memo.MemoData)
	if err != nil {
		return classifiedTx{}, false
	}
	var payload memoPayload
	if len(memoData) > 0 {
		if err := json.Unmarshal([]byte(memoData), &payload); err != nil {
			logger.Warningf("discarding transaction %q with bad memo payload: %v", wire.Hash, err)
			return classifiedTx{}, false
		}
	}

	tx := classifiedTx{
		Transaction: Transaction{
			Hash:        wire.Hash,
			LedgerIndex: ledgerIndex,
			Tenant:      wire.Account,
			TokenID:     payload.TokenID,
			Amount:      parseAmount(wire.Amount),
			RefTxHash:   payload.RefTxHash,
			OwnerPubKey: payload.OwnerPubKey,
			ContractID:  payload.ContractID,
			Image:       payload.Image,
			Config:      payload.Config,
		},
		memoType: memoType,
	}
	if tx.TokenID == "" {
		tx.TokenID = wire.URITokenID
	}
	switch memoType {
	case memoAcquireLease:
		tx.Kind = TxAcquire
	case memoExtendLease:
		tx.Kind = TxExtend
	case memoTerminateLease:
		tx.Kind = TxTerminate
	case memoAcquireSuccess:
		tx.Kind = TxAcquireSuccess
	case memoAcquireError:
		tx.Kind = TxAcquireError
	case memoExtendSuccess:
		tx.Kind = TxExtendSuccess
	case memoExtendError:
		tx.Kind = TxExtendError
	case memoRefund:
		tx.Kind = TxRefund
	default:
		tx.Kind = TxOther
	}
	return tx, true
}

type classifiedTx struct {
	Transaction
	memoType string
}

// parseAmount handles both drops (string) and issued currency objects.
func parseAmount(amount any) float64 {
	switch v := amount.(type) {
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return n
	case map[string]any:
		if value, ok := v["value"].(string); ok {
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

func hexDecodeString(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(raw), nil
}

func hexEncodeString(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}

// request issues one command and waits for its response.
func (c *WSClient) request(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errors.New("not connected")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	payload["id"] = id
	c.writeMu.Lock()
	err := conn.WriteJSON(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.Annotatef(err, "sending %q command", payload["command"])
	}

	select {
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-c.tomb.Dying():
		return nil, errors.New("ledger client shutting down")
	case result := <-ch:
		var failure struct {
			Error string `json:"__error"`
		}
		if json.Unmarshal(result, &failure) == nil && failure.Error != "" {
			return nil, errors.Errorf("%s failed: %s", payload["command"], failure.Error)
		}
		return result, nil
	}
}

// submit sign-and-submits a transaction and waits for validation. The
// submitted hash lands in ref before the wait, so a timed out wait can
// still be reconciled later via IsTxValidated.
func (c *WSClient) submit(ctx context.Context, txJSON map[string]any, ref *SubmissionRef, feeUplift uint64) error {
	txJSON["Account"] = c.config.Address
	txJSON["Fee"] = strconv.FormatUint(12+feeUplift, 10)

	result, err := c.request(ctx, map[string]any{
		"command": "submit",
		"secret":  c.config.Secret,
		"tx_json": txJSON,
	})
	if err != nil {
		return errors.Trace(err)
	}
	var submitted struct {
		EngineResult string `json:"engine_result"`
		TxJSON       struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := json.Unmarshal(result, &submitted); err != nil {
		return errors.Annotate(err, "parsing submit result")
	}
	if ref != nil {
		ref.TxHash = submitted.TxJSON.Hash
	}
	if submitted.EngineResult != "tesSUCCESS" && !strings.HasPrefix(submitted.EngineResult, "ter") {
		return errors.Errorf("submission rejected: %s", submitted.EngineResult)
	}

	// Poll for validation; queued (ter) results may take several ledgers.
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			validated, err := c.IsTxValidated(ctx, submitted.TxJSON.Hash)
			if err != nil {
				return errors.Trace(err)
			}
			if !validated {
				return errors.New("not yet validated")
			}
			return nil
		},
		Attempts: validationPollAttempts,
		Delay:    validationPollDelay,
		Clock:    c.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return ErrTookTooLong
	}
	return nil
}

// memoTx builds a minimal payment carrying a typed memo, the transport for
// every hook interaction.
func memoTx(destination, memoType string, payload any, drops float64) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]any{
		"TransactionType": "Payment",
		"Destination":     destination,
		"Amount":          strconv.FormatFloat(drops, 'f', -1, 64),
		"Memos": []map[string]any{{
			"Memo": map[string]any{
				"MemoType":   hexEncodeString(memoType),
				"MemoFormat": hexEncodeString("text/json"),
				"MemoData":   hexEncodeString(string(data)),
			},
		}},
	}, nil
}

func (c *WSClient) submitMemo(ctx context.Context, destination, memoType string, payload any, amount float64, ref *SubmissionRef, feeUplift uint64) error {
	tx, err := memoTx(destination, memoType, payload, amount)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.submit(ctx, tx, ref, feeUplift))
}

// IsTxValidated implements Client.
func (c *WSClient) IsTxValidated(ctx context.Context, hash string) (bool, error) {
	result, err := c.request(ctx, map[string]any{
		"command":     "tx",
		"transaction": hash,
	})
	if err != nil {
		if strings.Contains(err.Error(), "txnNotFound") {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	var tx struct {
		Validated bool `json:"validated"`
		Meta      struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return false, errors.Trace(err)
	}
	return tx.Validated && tx.Meta.TransactionResult == "tesSUCCESS", nil
}

// GetAccountTransactions implements Client.
func (c *WSClient) GetAccountTransactions(ctx context.Context, fromLedger uint64) ([]Transaction, error) {
	result, err := c.request(ctx, map[string]any{
		"command":          "account_tx",
		"account":          c.config.Address,
		"ledger_index_min": fromLedger,
		"ledger_index_max": -1,
		"forward":          true,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var body struct {
		Transactions []struct {
			Tx          json.RawMessage `json:"tx"`
			LedgerIndex uint64          `json:"ledger_index"`
			Validated   bool            `json:"validated"`
		} `json:"transactions"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, errors.Annotate(err, "parsing account transactions")
	}
	var txs []Transaction
	for _, entry := range body.Transactions {
		if !entry.Validated {
			continue
		}
		if tx, ok := classifyTransaction(entry.Tx, entry.LedgerIndex); ok {
			txs = append(txs, tx.Transaction)
		}
	}
	return txs, nil
}

// tokensForAccount lists the account's URI tokens decoded as leases.
// Tokens whose URIs do not parse as lease URIs are skipped.
func (c *WSClient) tokensForAccount(ctx context.Context, account string) ([]LeaseToken, error) {
	result, err := c.request(ctx, map[string]any{
		"command": "account_objects",
		"account": account,
		"type":    "uri_token",
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var body struct {
		AccountObjects []struct {
			Index string `json:"index"`
			Owner string `json:"Owner"`
			URI   string `json:"URI"`
		} `json:"account_objects"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, errors.Annotate(err, "parsing account objects")
	}
	var tokens []LeaseToken
	for _, obj := range body.AccountObjects {
		index, amount, outboundIP, err := DecodeLeaseURI(obj.URI)
		if err != nil {
			continue
		}
		owner := obj.Owner
		if owner == "" {
			owner = account
		}
		tokens = append(tokens, LeaseToken{
			ID:         obj.Index,
			Owner:      owner,
			Index:      index,
			Amount:     amount,
			OutboundIP: outboundIP,
		})
	}
	return tokens, nil
}

// GetURIToken implements Client.
func (c *WSClient) GetURIToken(ctx context.Context, tokenID string) (LeaseToken, error) {
	result, err := c.request(ctx, map[string]any{
		"command": "ledger_entry",
		"index":   tokenID,
	})
	if err != nil {
		return LeaseToken{}, errors.Trace(err)
	}
	var body struct {
		Node struct {
			Owner string `json:"Owner"`
			URI   string `json:"URI"`
		} `json:"node"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return LeaseToken{}, errors.Annotate(err, "parsing uri token")
	}
	if body.Node.URI == "" {
		return LeaseToken{}, errors.NotFoundf("uri token %q", tokenID)
	}
	index, amount, outboundIP, err := DecodeLeaseURI(body.Node.URI)
	if err != nil {
		return LeaseToken{}, errors.Trace(err)
	}
	return LeaseToken{
		ID:         tokenID,
		Owner:      body.Node.Owner,
		Index:      index,
		Amount:     amount,
		OutboundIP: outboundIP,
	}, nil
}

// GetLeaseByIndex implements Client.
func (c *WSClient) GetLeaseByIndex(ctx context.Context, index uint32) (LeaseToken, error) {
	tokens, err := c.tokensForAccount(ctx, c.config.Address)
	if err != nil {
		return LeaseToken{}, errors.Trace(err)
	}
	for _, token := range tokens {
		if token.Index == index {
			return token, nil
		}
	}
	return LeaseToken{}, errors.NotFoundf("lease with index %d", index)
}

// GetLeaseOffers implements Client: host-owned lease tokens with an open
// sell offer.
func (c *WSClient) GetLeaseOffers(ctx context.Context) ([]LeaseToken, error) {
	return c.leasesByOffer(ctx, true)
}

// GetUnofferedLeases implements Client: host-owned lease tokens without a
// sell offer.
func (c *WSClient) GetUnofferedLeases(ctx context.Context) ([]LeaseToken, error) {
	return c.leasesByOffer(ctx, false)
}

func (c *WSClient) leasesByOffer(ctx context.Context, offered bool) ([]LeaseToken, error) {
	result, err := c.request(ctx, map[string]any{
		"command": "account_objects",
		"account": c.config.Address,
		"type":    "uri_token",
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var body struct {
		AccountObjects []struct {
			Index  string `json:"index"`
			URI    string `json:"URI"`
			Amount any    `json:"Amount"`
		} `json:"account_objects"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, errors.Annotate(err, "parsing account objects")
	}
	var tokens []LeaseToken
	for _, obj := range body.AccountObjects {
		index, amount, outboundIP, err := DecodeLeaseURI(obj.URI)
		if err != nil {
			continue
		}
		hasOffer := obj.Amount != nil
		if hasOffer != offered {
			continue
		}
		tokens = append(tokens, LeaseToken{
			ID:         obj.Index,
			Owner:      c.config.Address,
			Index:      index,
			Amount:     amount,
			OutboundIP: outboundIP,
		})
	}
	return tokens, nil
}

// GetRegistration implements Client.
func (c *WSClient) GetRegistration(ctx context.Context) (Registration, error) {
	result, err := c.request(ctx, map[string]any{
		"command": "ledger_entry",
		"hook_state": map[string]any{
			"account": c.config.GovernorAddress,
			"key":     hexEncodeString("host:" + c.config.Address),
		},
	})
	if err != nil {
		return Registration{}, errors.Trace(err)
	}
	var body struct {
		Node struct {
			HookStateData string `json:"HookStateData"`
		} `json:"node"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return Registration{}, errors.Annotate(err, "parsing registration state")
	}
	data, err := hexDecodeString(body.Node.HookStateData)
	if err != nil {
		return Registration{}, errors.Trace(err)
	}
	var reg struct {
		TokenID             string `json:"token_id"`
		LastHeartbeatMoment uint64 `json:"last_heartbeat_moment"`
		ActiveInstances     int    `json:"active_instances"`
		MaxInstances        int    `json:"max_instances"`
		Version             string `json:"version"`
	}
	if err := json.Unmarshal([]byte(data), &reg); err != nil {
		return Registration{}, errors.Annotate(err, "parsing registration record")
	}
	return Registration{
		TokenID:             reg.TokenID,
		LastHeartbeatMoment: reg.LastHeartbeatMoment,
		ActiveInstances:     reg.ActiveInstances,
		MaxInstances:        reg.MaxInstances,
		Version:             reg.Version,
	}, nil
}

// GetHookConfig implements Client.
func (c *WSClient) GetHookConfig(ctx context.Context) (HookConfig, error) {
	result, err := c.request(ctx, map[string]any{
		"command": "ledger_entry",
		"hook_state": map[string]any{
			"account": c.config.GovernorAddress,
			"key":     hexEncodeString("config"),
		},
	})
	if err != nil {
		return HookConfig{}, errors.Trace(err)
	}
	var body struct {
		Node struct {
			HookStateData string `json:"HookStateData"`
		} `json:"node"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return HookConfig{}, errors.Annotate(err, "parsing hook config state")
	}
	data, err := hexDecodeString(body.Node.HookStateData)
	if err != nil {
		return HookConfig{}, errors.Trace(err)
	}
	var cfg struct {
		AcquireWindowSecs    uint64  `json:"acquire_window_secs"`
		PurchaserTargetPrice float64 `json:"purchaser_target_price"`
		TOSHash              string  `json:"tos_hash"`
		MomentBaseIdx        uint64  `json:"moment_base_idx"`
		MomentSize           uint64  `json:"moment_size"`
	}
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return HookConfig{}, errors.Annotate(err, "parsing hook config")
	}
	c.mu.Lock()
	c.momentBaseIdx = cfg.MomentBaseIdx
	c.momentSize = cfg.MomentSize
	c.mu.Unlock()
	return HookConfig{
		AcquireWindowSecs:    cfg.AcquireWindowSecs,
		PurchaserTargetPrice: cfg.PurchaserTargetPrice,
		TOSHash:              cfg.TOSHash,
	}, nil
}

// momentParams returns the moment base and size, fetching the hook config
// on first use. A failed fetch is returned but never cached, so the next
// caller retries.
func (c *WSClient) momentParams(ctx context.Context) (baseIdx, size uint64, err error) {
	c.mu.Lock()
	base, cached := c.momentBaseIdx, c.momentSize
	c.mu.Unlock()
	if cached != 0 {
		return base, cached, nil
	}
	if _, err := c.GetHookConfig(ctx); err != nil {
		return 0, 0, errors.Trace(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.momentSize == 0 {
		return 0, 0, errors.New("ledger reports zero moment size")
	}
	return c.momentBaseIdx, c.momentSize, nil
}

// GetMomentSize implements Client.
func (c *WSClient) GetMomentSize(ctx context.Context) (uint64, error) {
	_, size, err := c.momentParams(ctx)
	return size, errors.Trace(err)
}

// GetMoment implements Client.
func (c *WSClient) GetMoment(ctx context.Context, idx *uint64) (uint64, error) {
	base, size, err := c.momentParams(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	at := c.currentLedger()
	if idx != nil {
		at = *idx
	}
	if at < base {
		return 0, errors.Errorf("ledger index %d predates moment base %d", at, base)
	}
	return (at - base) / size, nil
}

// GetMomentStartIndex implements Client.
func (c *WSClient) GetMomentStartIndex(ctx context.Context) (uint64, error) {
	base, size, err := c.momentParams(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	at := c.currentLedger()
	if at < base {
		return 0, errors.Errorf("ledger index %d predates moment base %d", at, base)
	}
	return base + ((at-base)/size)*size, nil
}

func (c *WSClient) currentLedger() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLedger
}

// UpdateRegInfo implements Client.
func (c *WSClient) UpdateRegInfo(ctx context.Context, activeCount int, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, c.config.GovernorAddress, memoUpdateReg,
		map[string]any{"active_instances": activeCount}, 1, ref, feeUplift)
}

// OfferLease implements Client: creates a sell offer for an existing token.
func (c *WSClient) OfferLease(ctx context.Context, index uint32, amount float64, tosHash, outboundIP string, ref *SubmissionRef, feeUplift uint64) error {
	token, err := c.GetLeaseByIndex(ctx, index)
	if err != nil {
		return errors.Trace(err)
	}
	return c.submit(ctx, map[string]any{
		"TransactionType": "URITokenCreateSellOffer",
		"URITokenID":      token.ID,
		"Amount":          strconv.FormatFloat(amount, 'f', -1, 64),
		"Memos": []map[string]any{{
			"Memo": map[string]any{
				"MemoType": hexEncodeString("evnOfferLease"),
				"MemoData": hexEncodeString(tosHash),
			},
		}},
	}, ref, feeUplift)
}

// OfferMintedLease implements Client: mints a fresh lease token with an
// attached sell offer.
func (c *WSClient) OfferMintedLease(ctx context.Context, index uint32, amount float64, tosHash, outboundIP string, ref *SubmissionRef, feeUplift uint64) error {
	uri, err := EncodeLeaseURI(index, amount, outboundIP)
	if err != nil {
		return errors.Trace(err)
	}
	return c.submit(ctx, map[string]any{
		"TransactionType": "URITokenMint",
		"URI":             uri,
		"Amount":          strconv.FormatFloat(amount, 'f', -1, 64),
		"Memos": []map[string]any{{
			"Memo": map[string]any{
				"MemoType": hexEncodeString("evnOfferLease"),
				"MemoData": hexEncodeString(tosHash),
			},
		}},
	}, ref, feeUplift)
}

// ExpireLease implements Client.
func (c *WSClient) ExpireLease(ctx context.Context, tokenID string, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, c.config.GovernorAddress, memoExpireLease,
		memoPayload{TokenID: tokenID}, 1, ref, feeUplift)
}

// BurnLease implements Client.
func (c *WSClient) BurnLease(ctx context.Context, tokenID string, ref *SubmissionRef, feeUplift uint64) error {
	return c.submit(ctx, map[string]any{
		"TransactionType": "URITokenBurn",
		"URITokenID":      tokenID,
	}, ref, feeUplift)
}

// PrepareAccount implements Client.
func (c *WSClient) PrepareAccount(ctx context.Context, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, c.config.GovernorAddress, memoPrepareAccount,
		map[string]any{}, 1, ref, feeUplift)
}

// RequestRebate implements Client.
func (c *WSClient) RequestRebate(ctx context.Context, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, c.config.GovernorAddress, memoRebateRequest,
		map[string]any{}, 1, ref, feeUplift)
}

// AcquireSuccess implements Client.
func (c *WSClient) AcquireSuccess(ctx context.Context, acquireTxHash, tenant string, details InstanceDetails, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, tenant, memoAcquireSuccess, map[string]any{
		"ref_tx_hash": acquireTxHash,
		"details":     details,
	}, 1, ref, feeUplift)
}

// AcquireError implements Client: rejects the acquire and refunds the
// tenant's payment in the same transaction.
func (c *WSClient) AcquireError(ctx context.Context, acquireTxHash, tenant string, amount float64, reason string, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, tenant, memoAcquireError, map[string]any{
		"ref_tx_hash": acquireTxHash,
		"reason":      reason,
	}, amount, ref, feeUplift)
}

// ExtendSuccess implements Client.
func (c *WSClient) ExtendSuccess(ctx context.Context, extendTxHash, tenant string, expiryMoment uint64, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, tenant, memoExtendSuccess, map[string]any{
		"ref_tx_hash":   extendTxHash,
		"expiry_moment": expiryMoment,
	}, 1, ref, feeUplift)
}

// ExtendError implements Client: rejects the extend and refunds the amount.
func (c *WSClient) ExtendError(ctx context.Context, extendTxHash, tenant string, reason string, amount float64, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, tenant, memoExtendError, map[string]any{
		"ref_tx_hash": extendTxHash,
		"reason":      reason,
	}, amount, ref, feeUplift)
}

// RefundTenant implements Client.
func (c *WSClient) RefundTenant(ctx context.Context, refTxHash, tenant string, amount float64, ref *SubmissionRef, feeUplift uint64) error {
	return c.submitMemo(ctx, tenant, memoRefund, map[string]any{
		"ref_tx_hash": refTxHash,
	}, amount, ref, feeUplift)
}

// Heartbeat implements Client. A hook rejection of the carried vote is
// surfaced as ErrVoteRejected.
func (c *WSClient) Heartbeat(ctx context.Context, vote *GovernanceVote, ref *SubmissionRef, feeUplift uint64) error {
	payload := map[string]any{}
	if vote != nil {
		payload["candidate_id"] = vote.CandidateID
		payload["vote"] = vote.Vote
	}
	err := c.submitMemo(ctx, c.config.GovernorAddress, memoHeartbeat, payload, 1, ref, feeUplift)
	if err != nil && vote != nil && strings.Contains(err.Error(), "tecHOOK_REJECTED") {
		return fmt.Errorf("heartbeat vote for %q: %w", vote.CandidateID, ErrVoteRejected)
	}
	return errors.Trace(err)
}
