package detector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

const defaultIOTimeout = 30 * time.Second

// Client sends frames to an object-detection service over a websocket and
// returns its detections. One connection is kept open and frames are
// classified one at a time.
type Client struct {
	url       string
	threshold float64
	logger    *slog.Logger
	dialer    *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ domain.FrameClassifier = (*Client)(nil)

// NewClient creates a classifier client for the service at serviceURL. The
// service is asked to drop detections below minConfidence; zero keeps all.
func NewClient(serviceURL string, minConfidence float64, logger *slog.Logger) *Client {
	return &Client{
		url:       serviceURL,
		threshold: minConfidence,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
	}
}

// Classify runs detection on one frame. Connection failures are returned as
// transient errors and the broken connection is dropped, so the next call
// dials again.
func (c *Client) Classify(ctx context.Context, frame domain.Frame) ([]domain.Detection, error) {
	data, err := os.ReadFile(frame.Path)
	if err != nil {
		return nil, fmt.Errorf("read frame %d: %w", frame.Index, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.roundTrip(ctx, data)
}

// Close closes the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeConn()
}

func (c *Client) buildURL() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	if c.threshold > 0 {
		q := u.Query()
		q.Set("min_confidence", fmt.Sprintf("%g", c.threshold))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) roundTrip(ctx context.Context, frame []byte) ([]domain.Detection, error) {
	if c.conn == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.buildURL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.NewTransientError(fmt.Errorf("dial detector: %w", err))
		}
		c.conn = conn
		c.logger.Debug("connected to detector", "url", c.url)
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(defaultIOTimeout)
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.closeConn()
		return nil, domain.NewTransientError(fmt.Errorf("write frame: %w", err))
	}

	conn.SetReadDeadline(deadline)
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		c.closeConn()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return nil, context.DeadlineExceeded
		}
		return nil, domain.NewTransientError(fmt.Errorf("read detections: %w", err))
	}

	if resp.Error != "" {
		return nil, &ServiceError{Message: resp.Error}
	}
	return resp.detections(), nil
}

func (c *Client) closeConn() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
