package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"courier/internal/models"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// EnvelopeHandler receives each inbound envelope. The push flag is
// false for envelopes read off the feed; push-notification injection
// comes through the HTTP surface instead.
type EnvelopeHandler func(envelope models.Envelope, isPushNotification bool)

// Feed reads envelopes from the message service's long-lived websocket
// and hands them to the handler. Lost connections are re-dialed with
// exponential backoff.
type Feed struct {
	feedURL   string
	authToken string
	handler   EnvelopeHandler
	logger    *logrus.Logger

	reconnectInitial time.Duration
	reconnectMax     time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewFeed(feedURL, authToken string, handler EnvelopeHandler, logger *logrus.Logger) *Feed {
	return &Feed{
		feedURL:          feedURL,
		authToken:        authToken,
		handler:          handler,
		logger:           logger,
		reconnectInitial: 500 * time.Millisecond,
		reconnectMax:     30 * time.Second,
	}
}

// Start begins reading the feed in the background.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("envelope feed is already running")
	}

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.running = true

	f.wg.Add(1)
	go f.readLoop()

	f.logger.WithField("url", f.feedURL).Info("Envelope feed started")
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.cancel()
	f.wg.Wait()
	f.running = false
	f.logger.Info("Envelope feed stopped")
}

func (f *Feed) readLoop() {
	defer f.wg.Done()

	backoff := f.reconnectInitial

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		connectedAt := time.Now()
		err := f.readConnection()
		if err != nil && f.ctx.Err() == nil {
			f.logger.WithError(err).WithField("backoff", backoff).Warn("Envelope feed connection lost, reconnecting")
		}

		// A connection that held for a while means the service is
		// reachable again; start the backoff ladder over.
		if time.Since(connectedAt) > time.Minute {
			backoff = f.reconnectInitial
		}

		select {
		case <-f.ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > f.reconnectMax {
				backoff = f.reconnectMax
			}
		}
	}
}

// readConnection dials once and reads until the connection fails or the
// feed is stopped.
func (f *Feed) readConnection() error {
	opts := &websocket.DialOptions{}
	if f.authToken != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + f.authToken},
		}
	}

	conn, _, err := websocket.Dial(f.ctx, f.feedURL, opts)
	if err != nil {
		return fmt.Errorf("failed to dial envelope feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.logger.Debug("Envelope feed connected")

	for {
		msgType, data, err := conn.Read(f.ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var envelope models.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			// One bad frame must not kill the feed.
			f.logger.WithError(err).Warn("Dropping undecodable envelope frame")
			continue
		}

		f.handler(envelope, false)
	}
}
