// Package lnurl implements the Lightning address side of zapping: bolt11
// amount decoding, LNURL-pay discovery for lud16 addresses, and invoice
// fetching through the pay callback.
package lnurl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// bolt11 human-readable part: lnbc/lntb/lnbcrt, amount, optional multiplier
var invoiceAmountRegex = regexp.MustCompile(`^ln(?:bc|tb|bcrt)(\d+)([munp]?)`)

// AmountMsat extracts the amount in millisatoshis from a bolt11 invoice.
// Returns an error if the invoice carries no parseable amount; callers
// treat that as amount zero, non-fatal.
func AmountMsat(invoice string) (int64, error) {
	matches := invoiceAmountRegex.FindStringSubmatch(strings.ToLower(invoice))
	if len(matches) < 2 {
		return 0, fmt.Errorf("could not parse invoice amount")
	}

	amount, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, err
	}

	multiplier := ""
	if len(matches) >= 3 {
		multiplier = matches[2]
	}

	// 1 BTC = 10^11 msat
	switch multiplier {
	case "m": // millibitcoin
		return amount * 100_000_000, nil
	case "u": // microbitcoin
		return amount * 100_000, nil
	case "n": // nanobitcoin
		return amount * 100, nil
	case "p": // picobitcoin, sub-msat rounds down
		return amount / 10, nil
	default:
		return amount * 100_000_000_000, nil
	}
}

// PayParams describes a resolved LNURL-pay endpoint
type PayParams struct {
	Callback        string
	MinSendableMsat int64
	MaxSendableMsat int64
	Metadata        string
	AllowsNostr     bool
	NostrPubkey     string
}

// Client resolves Lightning addresses and fetches invoices
type Client struct {
	http *http.Client
}

// NewClient creates an LNURL client with the given HTTP timeout
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// Resolve discovers the LNURL-pay parameters for a payment address.
// Accepts lud16 "name@domain" addresses and direct https endpoints.
func (c *Client) Resolve(ctx context.Context, address string) (*PayParams, error) {
	endpoint, err := PayEndpoint(address)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("lnurl discovery failed: %w", err)
	}

	parsed := gjson.ParseBytes(body)
	if status := parsed.Get("status"); status.String() == "ERROR" {
		return nil, fmt.Errorf("lnurl error: %s", parsed.Get("reason").String())
	}
	if tag := parsed.Get("tag").String(); tag != "payRequest" {
		return nil, fmt.Errorf("unexpected lnurl tag: %q", tag)
	}

	callback := parsed.Get("callback").String()
	if callback == "" {
		return nil, fmt.Errorf("lnurl response missing callback")
	}

	return &PayParams{
		Callback:        callback,
		MinSendableMsat: parsed.Get("minSendable").Int(),
		MaxSendableMsat: parsed.Get("maxSendable").Int(),
		Metadata:        parsed.Get("metadata").String(),
		AllowsNostr:     parsed.Get("allowsNostr").Bool(),
		NostrPubkey:     parsed.Get("nostrPubkey").String(),
	}, nil
}

// FetchInvoice requests an invoice for the given amount through the pay
// callback. zapRequestJSON, if non-empty, is attached as the nostr param
// so the receiver can emit a receipt.
func (c *Client) FetchInvoice(ctx context.Context, params *PayParams, amountMsat int64, zapRequestJSON string) (string, error) {
	if params.MinSendableMsat > 0 && amountMsat < params.MinSendableMsat {
		return "", fmt.Errorf("amount %d msat below minimum %d", amountMsat, params.MinSendableMsat)
	}
	if params.MaxSendableMsat > 0 && amountMsat > params.MaxSendableMsat {
		return "", fmt.Errorf("amount %d msat above maximum %d", amountMsat, params.MaxSendableMsat)
	}

	callbackURL, err := url.Parse(params.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}

	query := callbackURL.Query()
	query.Set("amount", strconv.FormatInt(amountMsat, 10))
	if zapRequestJSON != "" {
		query.Set("nostr", zapRequestJSON)
	}
	callbackURL.RawQuery = query.Encode()

	body, err := c.get(ctx, callbackURL.String())
	if err != nil {
		return "", fmt.Errorf("invoice fetch failed: %w", err)
	}

	parsed := gjson.ParseBytes(body)
	if status := parsed.Get("status"); status.String() == "ERROR" {
		return "", fmt.Errorf("lnurl error: %s", parsed.Get("reason").String())
	}

	invoice := parsed.Get("pr").String()
	if invoice == "" {
		return "", fmt.Errorf("lnurl response missing invoice")
	}

	return invoice, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// PayEndpoint maps a payment address to its LNURL-pay discovery URL.
// lud16 "name@domain" becomes https://domain/.well-known/lnurlp/name;
// direct http(s) endpoints pass through unchanged.
func PayEndpoint(address string) (string, error) {
	if strings.HasPrefix(address, "https://") || strings.HasPrefix(address, "http://") {
		return address, nil
	}

	name, domain, ok := strings.Cut(address, "@")
	if !ok || name == "" || domain == "" {
		return "", fmt.Errorf("invalid lightning address: %q", address)
	}
	if strings.ContainsAny(domain, "/ ") {
		return "", fmt.Errorf("invalid lightning address domain: %q", domain)
	}

	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, name), nil
}
