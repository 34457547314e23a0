package websocket

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/auth"
	"github.com/altiora-ai/callcore/internal/config"
	"github.com/altiora-ai/callcore/internal/types"
)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	// Unique client ID
	id string

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	config *config.Config

	logger zerolog.Logger

	// Operator claims used to scope every message to visible businesses
	claims *auth.Claims
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, logger zerolog.Logger, claims *auth.Claims) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:     clientID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		config: cfg,
		logger: logger.With().Str("client_id", clientID).Logger(),
		claims: claims,
	}
}

// readPump drains the connection so control frames are processed. Dashboards
// do not send commands over the feed.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
	}
}

// writePump pumps messages from the hub to the websocket connection. It is
// the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Allows reports whether the client may see calls of businessID.
func (c *Client) Allows(businessID string) bool {
	if c.claims == nil {
		return true
	}
	return c.claims.IsBusinessAllowed(businessID)
}

// FilterOverview restricts an overview to the client's businesses and
// recomputes the summary. Returns nil if nothing is visible.
func (c *Client) FilterOverview(o *types.SessionsOverview) *types.SessionsOverview {
	if c.claims == nil || c.claims.Role == auth.RoleAdmin {
		return o
	}

	var sessions []types.SessionInfo
	for _, s := range o.Sessions {
		if c.claims.IsBusinessAllowed(s.BusinessID) {
			sessions = append(sessions, s)
		}
	}
	if len(sessions) == 0 {
		return nil
	}

	return &types.SessionsOverview{
		Type:      o.Type,
		Timestamp: o.Timestamp,
		Summary:   Summarize(sessions),
		Sessions:  sessions,
	}
}

// Summarize counts sessions by state and totals their degraded turns.
func Summarize(sessions []types.SessionInfo) types.OverviewSummary {
	summary := types.OverviewSummary{
		TotalSessions:  len(sessions),
		StateBreakdown: make(map[types.CallState]int),
	}
	for _, s := range sessions {
		summary.StateBreakdown[s.State]++
		summary.DegradedTurns += s.DegradedTurns
		if s.State == types.CallStateEnded && s.Outcome != "" {
			if summary.OutcomeBreakdown == nil {
				summary.OutcomeBreakdown = make(map[types.Outcome]int)
			}
			summary.OutcomeBreakdown[s.Outcome]++
		}
	}
	return summary
}
