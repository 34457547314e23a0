package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/audio"
	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/pipeline"
)

// ErrStreamClosed is returned by Play once the websocket is gone
var ErrStreamClosed = errors.New("media stream closed")

// MediaRouter receives the signals a media stream produces
type MediaRouter interface {
	// AttachMedia binds sink to the session for callID (or, failing that,
	// the provider reference) and returns the session's call ID.
	AttachMedia(callID, callRef string, sink pipeline.Sink) (string, error)
	SpeechStarted(callID string)
	SpeechEnded(callID string, pcm []byte)
	MediaStopped(callID string, sink pipeline.Sink)
}

// StreamConfig tunes a media stream connection
type StreamConfig struct {
	WriteWait    time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration
	PollInterval time.Duration // how often the end-of-speech detector is checked
	MarkGrace    time.Duration // how long to wait for a mark echo after the last frame
	Detector     pipeline.DetectorConfig
}

// DefaultStreamConfig returns the production settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		WriteWait:    10 * time.Second,
		PongWait:     60 * time.Second,
		PingPeriod:   54 * time.Second,
		PollInterval: 200 * time.Millisecond,
		MarkGrace:    2 * time.Second,
		Detector:     pipeline.DefaultDetectorConfig(),
	}
}

// streamMessage covers every Twilio media stream event in both directions
type streamMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid,omitempty"`
	Start     *streamStart   `json:"start,omitempty"`
	Media     *streamMedia   `json:"media,omitempty"`
	Mark      *streamMark    `json:"mark,omitempty"`
	Stop      *streamStopped `json:"stop,omitempty"`
}

type streamStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamStopped struct {
	CallSID string `json:"callSid"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Twilio does not send an Origin we could check
	},
}

// MediaStream is one Twilio media stream websocket. It feeds caller audio
// to the end-of-speech detector and plays agent audio back.
type MediaStream struct {
	conn   *websocket.Conn
	router MediaRouter
	cfg    StreamConfig
	logger zerolog.Logger
	send   chan []byte
	done   chan struct{}

	detMu    sync.Mutex
	detector *pipeline.Detector

	mu        sync.Mutex
	streamSID string
	callID    string
	markSeq   int
	marks     map[string]chan struct{}
}

// StreamHandler upgrades Twilio's connection and serves it until it closes.
func StreamHandler(router MediaRouter, cfg StreamConfig, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("media stream upgrade failed")
			metrics.Get().RecordWebSocketError()
			return
		}
		metrics.Get().RecordWebSocketConnect()
		s := newMediaStream(conn, router, cfg, logger)
		go s.writePump()
		s.readPump()
		metrics.Get().RecordWebSocketDisconnect()
	}
}

func newMediaStream(conn *websocket.Conn, router MediaRouter, cfg StreamConfig, logger zerolog.Logger) *MediaStream {
	return &MediaStream{
		conn:     conn,
		router:   router,
		cfg:      cfg,
		logger:   logger.With().Str("component", "media_stream").Logger(),
		send:     make(chan []byte, 512),
		done:     make(chan struct{}),
		detector: pipeline.NewDetector(cfg.Detector),
		marks:    make(map[string]chan struct{}),
	}
}

func (s *MediaStream) readPump() {
	defer func() {
		close(s.done)
		s.conn.Close()
		if id := s.boundCall(); id != "" {
			s.router.MediaStopped(id, s)
		}
	}()

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	go s.pollLoop(poll.C)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("media stream read error")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		metrics.Get().RecordWebSocketMessage()

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("undecodable media stream message")
			continue
		}
		if stop := s.handle(msg); stop {
			return
		}
	}
}

func (s *MediaStream) handle(msg streamMessage) (stop bool) {
	switch msg.Event {
	case "connected":
		s.logger.Debug().Msg("media stream connected")

	case "start":
		if msg.Start == nil {
			return false
		}
		callID, err := s.router.AttachMedia(msg.Start.CustomParameters["call_id"], msg.Start.CallSID, s)
		if err != nil {
			s.logger.Warn().Err(err).Str("call_sid", msg.Start.CallSID).Msg("media stream for unknown call")
			return true
		}
		s.mu.Lock()
		s.streamSID = msg.Start.StreamSID
		if s.streamSID == "" {
			s.streamSID = msg.StreamSID
		}
		s.callID = callID
		s.mu.Unlock()
		s.logger.Info().Str("call_id", callID).Str("stream_sid", msg.Start.StreamSID).Msg("media stream started")

	case "media":
		if msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
			return false
		}
		frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return false
		}
		s.detMu.Lock()
		started := s.detector.Feed(frame, time.Now())
		s.detMu.Unlock()
		if id := s.boundCall(); started && id != "" {
			s.router.SpeechStarted(id)
		}

	case "mark":
		if msg.Mark != nil {
			s.ackMark(msg.Mark.Name)
		}

	case "stop":
		s.logger.Info().Str("call_id", s.boundCall()).Msg("media stream stopped")
		return true
	}
	return false
}

func (s *MediaStream) pollLoop(tick <-chan time.Time) {
	for {
		select {
		case <-s.done:
			return
		case now := <-tick:
			s.detMu.Lock()
			utter, ok := s.detector.Poll(now)
			s.detMu.Unlock()
			if id := s.boundCall(); ok && id != "" {
				s.router.SpeechEnded(id, audio.MulawToSpeechPCM(utter))
			}
		}
	}
}

func (s *MediaStream) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				metrics.Get().RecordWebSocketError()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Play sends mulaw as 20 ms media frames paced in real time, then a mark,
// and returns once Twilio echoes the mark.
func (s *MediaStream) Play(ctx context.Context, mulaw []byte) error {
	s.mu.Lock()
	sid := s.streamSID
	s.markSeq++
	name := "turn-" + strconv.Itoa(s.markSeq)
	echo := make(chan struct{})
	s.marks[name] = echo
	s.mu.Unlock()
	defer s.dropMark(name)

	pace := time.NewTicker(20 * time.Millisecond)
	defer pace.Stop()
	for _, frame := range audio.Frames(mulaw) {
		msg := streamMessage{Event: "media", StreamSID: sid, Media: &streamMedia{
			Payload: base64.StdEncoding.EncodeToString(frame),
		}}
		if err := s.enqueue(ctx, msg); err != nil {
			return err
		}
		select {
		case <-pace.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrStreamClosed
		}
	}

	if err := s.enqueue(ctx, streamMessage{Event: "mark", StreamSID: sid, Mark: &streamMark{Name: name}}); err != nil {
		return err
	}
	grace := time.NewTimer(s.cfg.MarkGrace)
	defer grace.Stop()
	select {
	case <-echo:
	case <-grace.C:
		s.logger.Debug().Str("mark", name).Msg("mark echo not received, assuming played")
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStreamClosed
	}
	return nil
}

// Clear drops audio Twilio has buffered but not yet played.
func (s *MediaStream) Clear() error {
	s.mu.Lock()
	sid := s.streamSID
	s.mu.Unlock()
	return s.enqueue(context.Background(), streamMessage{Event: "clear", StreamSID: sid})
}

func (s *MediaStream) enqueue(ctx context.Context, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stream message: %w", err)
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MediaStream) ackMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.marks[name]; ok {
		close(ch)
		delete(s.marks, name)
	}
}

func (s *MediaStream) dropMark(name string) {
	s.mu.Lock()
	delete(s.marks, name)
	s.mu.Unlock()
}

func (s *MediaStream) boundCall() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

var _ pipeline.Sink = (*MediaStream)(nil)
