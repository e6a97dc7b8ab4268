package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/rttrack/internal/httpclient"
)

// bridgeAdapter is the shared implementation behind the WhatsApp and
// Signal adapters: both talk to an external HTTP bridge process over a
// small send/receipt-stream contract, differing only in platform name,
// target-identifier suffixing, supported probe methods, and retry
// policy. Grounded on the teacher's internal/provider (HTTP probe
// client with classified outcomes) generalized to a send+poll bridge,
// and on httpclient.DoWithRetry for the retry/backoff behavior spec.md
// §7 requires of external calls.
type bridgeAdapter struct {
	platform     string
	baseURL      string
	client       *http.Client // short-lived calls: SendProbe, GetDisplayMetadata
	streamClient *http.Client // long-lived /receipts GET
	retryPolicy  httpclient.RetryPolicy
	methods      map[ProbeMethod]bool
	suffix       func(id string) string // applies platform-specific identifier suffix/prefix

	mu     sync.Mutex
	recvCh chan Receipt
	cancel context.CancelFunc
	closed bool
}

func newBridgeAdapter(platform, baseURL string, policy httpclient.RetryPolicy, methods []ProbeMethod, suffix func(string) string) *bridgeAdapter {
	set := make(map[ProbeMethod]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	a := &bridgeAdapter{
		platform:     platform,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		client:       httpclient.Default(),
		streamClient: httpclient.ForStreaming(),
		retryPolicy:  policy,
		methods:      set,
		suffix:       suffix,
		recvCh:       make(chan Receipt, 64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.pollReceipts(ctx)
	return a
}

func (a *bridgeAdapter) Platform() string { return a.platform }

func (a *bridgeAdapter) Receipts() <-chan Receipt { return a.recvCh }

func (a *bridgeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.cancel()
	return nil
}

type sendProbeRequest struct {
	Target string `json:"target"`
	Method string `json:"method"`
	Token  string `json:"token"`
}

// SendProbe posts the probe request to the bridge and returns the
// caller-generated token immediately; the bridge's own send latency is
// part of the measured RTT (spec.md §4.4 takes send_start_ms around this
// call, not from the bridge's response).
func (a *bridgeAdapter) SendProbe(ctx context.Context, target string, method ProbeMethod) (string, error) {
	if !a.methods[method] {
		return "", fmt.Errorf("%w: %s does not support %q", ErrUnsupportedProbeMethod, a.platform, method)
	}
	token := uuid.NewString()
	body, err := json.Marshal(sendProbeRequest{Target: a.suffix(target), Method: string(method), Token: token})
	if err != nil {
		return "", fmt.Errorf("adapter: %s marshal probe request: %w", a.platform, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/probe", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("adapter: %s build probe request: %w", a.platform, err)
	}
	req.Header.Set("Content-Type", "application/json")

	release := httpclient.GlobalHostSem.Acquire(a.baseURL)
	defer release()

	resp, err := httpclient.DoWithRetry(ctx, a.client, req, a.retryPolicy)
	if err != nil {
		return "", fmt.Errorf("adapter: %s send_probe: %w", a.platform, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("adapter: %s bridge returned HTTP %d", a.platform, resp.StatusCode)
	}
	return token, nil
}

// GetDisplayMetadata resolves nullable human-facing attributes. Any
// failure returns (nil, nil): display metadata is cosmetic and out of
// scope for the core's own decisions (spec.md §4.3).
func (a *bridgeAdapter) GetDisplayMetadata(ctx context.Context, target string) (*DisplayMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/contact/"+a.suffix(target), nil)
	if err != nil {
		return nil, nil
	}
	release := httpclient.GlobalHostSem.Acquire(a.baseURL)
	defer release()

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var meta DisplayMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, nil
	}
	return &meta, nil
}

// receiptLine mirrors one newline-delimited JSON event from the bridge's
// long-lived /receipts stream.
type receiptLine struct {
	Token       string `json:"token"`
	DeliveredAt int64  `json:"delivered_at_ms"`
}

// pollReceipts holds a long-lived streaming GET against the bridge's
// receipt endpoint, reconnecting with backoff on failure. The teacher
// has no analogous long-poll client; this is modeled on httpclient's
// retry/backoff conventions applied to a stream instead of one request.
func (a *bridgeAdapter) pollReceipts(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			close(a.recvCh)
			return
		default:
		}

		if err := a.streamOnce(ctx); err != nil {
			log.Printf("adapter: %s receipt stream: %v (retrying in %s)", a.platform, err, backoff)
		}

		select {
		case <-ctx.Done():
			close(a.recvCh)
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (a *bridgeAdapter) streamOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/receipts", nil)
	if err != nil {
		return err
	}
	resp, err := a.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge returned HTTP %d", resp.StatusCode)
	}

	seen := make(map[string]bool) // at-most-once per token (spec.md §4.3)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rl receiptLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil {
			log.Printf("adapter: %s malformed receipt line: %v", a.platform, err)
			continue
		}
		if rl.Token == "" || seen[rl.Token] {
			continue
		}
		seen[rl.Token] = true
		select {
		case a.recvCh <- Receipt{ProbeToken: rl.Token, DeliveredAtMs: rl.DeliveredAt}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
