// Package leadersource adapts the leader venue's fill stream and REST
// backfill endpoint into the raw Fill shape Ingest aggregates, the way
// internal/polymarket's ws_client wraps a gorilla/websocket connection with
// reconnect-with-backoff and a parallel REST poller.
package leadersource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Side mirrors the venue's raw fill side encoding, distinct from
// types.Side (which is the execution-venue order side).
type Side string

const (
	SideBuy  Side = "B"
	SideSell Side = "A"
)

// Fill is a single atomic match reported by the leader venue.
type Fill struct {
	TxHash        string
	Tid           int64
	Coin          string
	Side          Side
	Size          decimal.Decimal
	StartPosition *decimal.Decimal
	TimeMs        int64
	Price         *decimal.Decimal
}

// FillStream yields fills pushed from a persistent subscription.
type FillStream interface {
	Fills() <-chan Fill
	Err() <-chan error
	Close() error
}

// FillBackfiller pulls fills in a half-open time window.
type FillBackfiller interface {
	FetchFills(ctx context.Context, sinceMs, untilMs int64) ([]Fill, error)
}

// ValidateWallet checks that addr is a syntactically valid EVM address,
// the same common.IsHexAddress check the teacher's exec client performs
// before deriving a signer.
func ValidateWallet(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid leader wallet address %q", addr)
	}
	return nil
}

// NormalizeTxHash validates a 32-byte hex tx hash via common.HexToHash and
// returns its canonical lowercase 0x-prefixed form.
func NormalizeTxHash(hash string) (string, error) {
	if len(hash) != 66 || hash[:2] != "0x" {
		return "", fmt.Errorf("malformed tx hash %q", hash)
	}
	return common.HexToHash(hash).Hex(), nil
}

// wireFill is the on-wire JSON shape of a single user-fill event.
type wireFill struct {
	Coin          string `json:"coin"`
	Side          string `json:"side"`
	Sz            string `json:"sz"`
	Px            string `json:"px"`
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Hash          string `json:"hash"`
	Tid           int64  `json:"tid"`
}

// WSStream is a FillStream backed by a gorilla/websocket connection,
// grounded on internal/polymarket/ws_client.go's Connect/readMessages/
// handleDisconnect loop.
type WSStream struct {
	url      string
	wallet   string
	backoff  time.Duration
	backoffCap time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	stopCh chan struct{}

	fillCh chan Fill
	errCh  chan error
}

// NewWSStream builds a stream adapter for the given subscription URL and
// leader wallet. Connect must be called before Fills() yields anything.
func NewWSStream(url, wallet string, backoffInitial, backoffCap time.Duration) *WSStream {
	return &WSStream{
		url:        url,
		wallet:     wallet,
		backoff:    backoffInitial,
		backoffCap: backoffCap,
		stopCh:     make(chan struct{}),
		fillCh:     make(chan Fill, 256),
		errCh:      make(chan error, 16),
	}
}

// Connect dials the stream and subscribes to the leader wallet's fills,
// then starts the background read loop.
func (s *WSStream) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial leader stream: %w", err)
	}

	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "userFills",
			"user": s.wallet,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe leader fills: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(ctx)
	return nil
}

func (s *WSStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("leader stream disconnected")
			s.handleDisconnect(ctx)
			continue
		}
		s.handleMessage(data)
	}
}

func (s *WSStream) handleMessage(data []byte) {
	var envelope struct {
		Channel string     `json:"channel"`
		Data    struct {
			Fills []wireFill `json:"fills"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.Warn().Err(err).Msg("unparseable leader fill message, skipping")
		return
	}
	for _, wf := range envelope.Data.Fills {
		fill, err := parseWireFill(wf)
		if err != nil {
			log.Warn().Err(err).Str("coin", wf.Coin).Msg("poison fill message, skipping")
			continue
		}
		select {
		case s.fillCh <- fill:
		default:
			log.Warn().Msg("leader fill channel full, dropping incoming fill: consumer is behind")
		}
	}
}

func (s *WSStream) handleDisconnect(ctx context.Context) {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	backoff := s.backoff
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	}
	if s.backoff < s.backoffCap {
		s.backoff *= 2
		if s.backoff > s.backoffCap {
			s.backoff = s.backoffCap
		}
	}

	if err := s.Connect(ctx); err != nil {
		select {
		case s.errCh <- err:
		default:
		}
	}
}

// Fills implements FillStream.
func (s *WSStream) Fills() <-chan Fill { return s.fillCh }

// Err implements FillStream.
func (s *WSStream) Err() <-chan error { return s.errCh }

// Close implements FillStream.
func (s *WSStream) Close() error {
	close(s.stopCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func parseWireFill(wf wireFill) (Fill, error) {
	if wf.Coin == "" {
		return Fill{}, fmt.Errorf("missing coin")
	}
	size, err := decimal.NewFromString(wf.Sz)
	if err != nil {
		return Fill{}, fmt.Errorf("invalid size %q: %w", wf.Sz, err)
	}
	var side Side
	switch wf.Side {
	case "B":
		side = SideBuy
	case "A":
		side = SideSell
	default:
		return Fill{}, fmt.Errorf("invalid side %q", wf.Side)
	}

	var startPos *decimal.Decimal
	if wf.StartPosition != "" {
		if v, err := decimal.NewFromString(wf.StartPosition); err == nil {
			startPos = &v
		}
	}
	var px *decimal.Decimal
	if wf.Px != "" {
		if v, err := decimal.NewFromString(wf.Px); err == nil {
			px = &v
		}
	}

	return Fill{
		TxHash:        wf.Hash,
		Tid:           wf.Tid,
		Coin:          wf.Coin,
		Side:          side,
		Size:          size,
		StartPosition: startPos,
		TimeMs:        wf.Time,
		Price:         px,
	}, nil
}

// RESTBackfiller pulls fills over [since, until) from the leader venue's
// REST endpoint. The orchestrator uses it for the startup catch-up only;
// it is not polled again after startup, including when the stream goes
// stale.
type RESTBackfiller struct {
	baseURL string
	wallet  string
	client  *http.Client
}

// NewRESTBackfiller builds a backfill client against baseURL for wallet.
func NewRESTBackfiller(baseURL, wallet string) *RESTBackfiller {
	return &RESTBackfiller{
		baseURL: baseURL,
		wallet:  wallet,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchFills implements FillBackfiller.
func (r *RESTBackfiller) FetchFills(ctx context.Context, sinceMs, untilMs int64) ([]Fill, error) {
	body, err := json.Marshal(map[string]any{
		"type":      "userFillsByTime",
		"user":      r.wallet,
		"startTime": sinceMs,
		"endTime":   untilMs,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backfill request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backfill request failed: status %d", resp.StatusCode)
	}

	var wireFills []wireFill
	if err := json.NewDecoder(resp.Body).Decode(&wireFills); err != nil {
		return nil, fmt.Errorf("decode backfill response: %w", err)
	}

	fills := make([]Fill, 0, len(wireFills))
	for _, wf := range wireFills {
		f, err := parseWireFill(wf)
		if err != nil {
			log.Warn().Err(err).Msg("poison backfill fill, skipping")
			continue
		}
		fills = append(fills, f)
	}
	return fills, nil
}
