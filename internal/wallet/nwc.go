package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/sandwichfarm/zapfeed/internal/config"
	"github.com/sandwichfarm/zapfeed/internal/ops"
	"github.com/sandwichfarm/zapfeed/internal/relay"
	"github.com/tidwall/gjson"
)

const (
	// KindRequest is the wallet RPC request event kind
	KindRequest = 23194
	// KindResponse is the wallet RPC response event kind
	KindResponse = 23195

	uriScheme = "nostr+walletconnect://"
)

// Connection holds the parsed pieces of a wallet connect URI
type Connection struct {
	WalletPubkey string
	RelayURL     string
	secret       string
	ClientPubkey string
	sharedKey    []byte
}

// ParseConnectURI parses a nostr+walletconnect:// URI and derives the
// client keypair and conversation key from its secret.
func ParseConnectURI(uri string) (*Connection, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return nil, fmt.Errorf("wallet uri must start with %s", uriScheme)
	}

	rest := strings.TrimPrefix(uri, uriScheme)
	walletPubkey, query, _ := strings.Cut(rest, "?")
	if len(walletPubkey) != 64 {
		return nil, fmt.Errorf("wallet uri has malformed wallet pubkey")
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("wallet uri has malformed query: %w", err)
	}

	relayURL := values.Get("relay")
	if relayURL == "" {
		return nil, fmt.Errorf("wallet uri missing relay parameter")
	}
	secret := values.Get("secret")
	if secret == "" {
		return nil, fmt.Errorf("wallet uri missing secret parameter")
	}

	clientPubkey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("wallet uri secret is not a valid key: %w", err)
	}

	sharedKey, err := nip04.ComputeSharedSecret(walletPubkey, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive conversation key: %w", err)
	}

	return &Connection{
		WalletPubkey: walletPubkey,
		RelayURL:     relayURL,
		secret:       secret,
		ClientPubkey: clientPubkey,
		sharedKey:    sharedKey,
	}, nil
}

// Transport carries encrypted RPC events to and from the wallet relay
type Transport interface {
	relay.Subscriber
	relay.Publisher
}

// Client speaks the wallet connect RPC protocol: encrypted request
// events answered by encrypted response events on the wallet's relay.
// Calls time out rather than retry; a failed payment is reported to the
// caller and never re-attempted.
type Client struct {
	conn      *Connection
	transport Transport
	timeout   time.Duration
	log       *ops.Logger
}

// New connects a wallet client using its own relay pool pointed at the
// wallet's relay.
func New(ctx context.Context, cfg *config.Wallet, log *ops.Logger) (*Client, error) {
	conn, err := ParseConnectURI(cfg.ConnectURI)
	if err != nil {
		return nil, err
	}

	transport := relay.New(ctx, &config.Relays{Seeds: []string{conn.RelayURL}}, log)
	return NewWithTransport(conn, transport, time.Duration(cfg.RequestTimeoutMs)*time.Millisecond, log), nil
}

// NewWithTransport wires a client over an existing transport
func NewWithTransport(conn *Connection, transport Transport, timeout time.Duration, log *ops.Logger) *Client {
	return &Client{
		conn:      conn,
		transport: transport,
		timeout:   timeout,
		log:       log.WithComponent("wallet"),
	}
}

// GetBalance returns the wallet balance in millisatoshis
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	result, err := c.rpc(ctx, "get_balance", map[string]any{})
	if err != nil {
		return 0, err
	}
	return result.Get("balance").Int(), nil
}

// PayInvoice pays a bolt11 invoice and returns the payment preimage
func (c *Client) PayInvoice(ctx context.Context, invoice string) (string, error) {
	result, err := c.rpc(ctx, "pay_invoice", map[string]any{"invoice": invoice})
	if err != nil {
		return "", err
	}
	return result.Get("preimage").String(), nil
}

// MakeInvoice asks the wallet to issue an invoice for the given amount
func (c *Client) MakeInvoice(ctx context.Context, amountMsat int64, description string) (string, error) {
	result, err := c.rpc(ctx, "make_invoice", map[string]any{
		"amount":      amountMsat,
		"description": description,
	})
	if err != nil {
		return "", err
	}
	return result.Get("invoice").String(), nil
}

// rpc performs one request/response round-trip. The response listener
// is opened before the request is published so a fast wallet cannot
// answer into the void.
func (c *Client) rpc(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	start := time.Now()
	result, err := c.doRPC(ctx, method, params)
	c.log.LogWalletRPC(method, time.Since(start), err)
	return result, err
}

func (c *Client) doRPC(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.buildRequest(method, params)
	if err != nil {
		return gjson.Result{}, err
	}

	responses := make(chan *nostr.Event, 1)
	sub, err := c.transport.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{KindResponse},
		Authors: []string{c.conn.WalletPubkey},
		Tags:    nostr.TagMap{"e": []string{request.ID}},
	}}, func(event *nostr.Event) {
		select {
		case responses <- event:
		default:
		}
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to open response subscription: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.transport.Publish(ctx, request); err != nil {
		return gjson.Result{}, fmt.Errorf("failed to publish wallet request: %w", err)
	}

	select {
	case <-ctx.Done():
		return gjson.Result{}, fmt.Errorf("wallet did not answer %s in time: %w", method, ctx.Err())
	case response := <-responses:
		return c.decodeResponse(response, method)
	}
}

func (c *Client) buildRequest(method string, params map[string]any) (*nostr.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, err
	}

	content, err := nip04.Encrypt(string(payload), c.conn.sharedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt wallet request: %w", err)
	}

	event := &nostr.Event{
		Kind:      KindRequest,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      nostr.Tags{{"p", c.conn.WalletPubkey}},
	}
	if err := event.Sign(c.conn.secret); err != nil {
		return nil, fmt.Errorf("failed to sign wallet request: %w", err)
	}
	return event, nil
}

func (c *Client) decodeResponse(event *nostr.Event, method string) (gjson.Result, error) {
	plaintext, err := nip04.Decrypt(event.Content, c.conn.sharedKey)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to decrypt wallet response: %w", err)
	}

	parsed := gjson.Parse(plaintext)
	if rpcErr := parsed.Get("error"); rpcErr.Exists() && rpcErr.Get("code").String() != "" {
		return gjson.Result{}, fmt.Errorf("wallet rejected %s: %s (%s)",
			method, rpcErr.Get("message").String(), rpcErr.Get("code").String())
	}

	return parsed.Get("result"), nil
}
