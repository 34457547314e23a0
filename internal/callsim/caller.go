// Package callsim places synthetic calls against the voice webhooks and the
// media stream the way Twilio would, for load and smoke testing.
package callsim

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/audio"
	"github.com/altiora-ai/callcore/internal/telephony"
)

const (
	// Write timeout
	writeTimeout = 10 * time.Second

	frameInterval = 20 * time.Millisecond
	toneAmplitude = 6000
)

// Script is what one simulated caller says.
type Script struct {
	From       string
	To         string
	Utterances []time.Duration // length of each spoken burst
	Gap        time.Duration   // silence after each burst
	Hold       time.Duration   // time on the line after the last burst
}

// DefaultScript speaks three short bursts with enough silence between them
// for the server to end each utterance.
func DefaultScript() Script {
	return Script{
		From:       "+15550100",
		To:         "+15550199",
		Utterances: []time.Duration{1200 * time.Millisecond, 900 * time.Millisecond, 1500 * time.Millisecond},
		Gap:        2500 * time.Millisecond,
		Hold:       2 * time.Second,
	}
}

// CallResult summarizes one simulated call.
type CallResult struct {
	CallSID        string `json:"callSid"`
	CallID         string `json:"callId"`
	FramesSent     int    `json:"framesSent"`
	FramesReceived int    `json:"framesReceived"`
	MarksEchoed    int    `json:"marksEchoed"`
	Clears         int    `json:"clears"`
}

// Caller drives one call: the inbound webhook, then the media stream.
type Caller struct {
	backendURL string
	script     Script
	client     *http.Client
	dialer     *websocket.Dialer
	logger     zerolog.Logger
	pace       time.Duration // wait between outbound frames

	writeMu sync.Mutex
}

// NewCaller creates a Caller that paces audio in real time.
func NewCaller(backendURL string, script Script, logger zerolog.Logger) *Caller {
	return &Caller{
		backendURL: strings.TrimRight(backendURL, "/"),
		script:     script,
		client:     &http.Client{Timeout: 10 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     logger,
		pace:       frameInterval,
	}
}

// Run places the call and speaks the script. It returns when the script is
// done, the server closes the stream, or ctx is canceled.
func (c *Caller) Run(ctx context.Context) (CallResult, error) {
	res := CallResult{CallSID: "CA" + strings.ReplaceAll(uuid.New().String(), "-", "")}
	log := c.logger.With().Str("call_sid", res.CallSID).Logger()

	stream, err := c.answer(ctx, res.CallSID)
	if err != nil {
		return res, err
	}
	for _, p := range stream.Parameters {
		if p.Name == "call_id" {
			res.CallID = p.Value
		}
	}

	conn, _, err := c.dialer.DialContext(ctx, stream.URL, nil)
	if err != nil {
		return res, fmt.Errorf("dial media stream: %w", err)
	}
	defer conn.Close()

	streamSID := "MZ" + strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := c.write(conn, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}); err != nil {
		return res, err
	}
	if err := c.write(conn, map[string]any{
		"event":     "start",
		"streamSid": streamSID,
		"start": map[string]any{
			"streamSid":        streamSID,
			"callSid":          res.CallSID,
			"customParameters": map[string]string{"call_id": res.CallID},
		},
	}); err != nil {
		return res, err
	}

	readDone := make(chan struct{})
	var received, echoed, clears int
	go func() {
		defer close(readDone)
		received, echoed, clears = c.readLoop(conn, streamSID)
	}()

	sent, err := c.speak(ctx, conn, streamSID, readDone)
	res.FramesSent = sent
	if err == nil {
		err = c.write(conn, map[string]any{"event": "stop", "streamSid": streamSID, "stop": map[string]string{"callSid": res.CallSID}})
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		conn.Close()
		<-readDone
	}
	res.FramesReceived, res.MarksEchoed, res.Clears = received, echoed, clears

	log.Debug().
		Str("call_id", res.CallID).
		Int("frames_sent", res.FramesSent).
		Int("frames_received", res.FramesReceived).
		Msg("simulated call finished")
	return res, err
}

// answer posts the inbound webhook and returns the stream the TwiML connects to.
func (c *Caller) answer(ctx context.Context, callSID string) (telephony.Stream, error) {
	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("From", c.script.From)
	form.Set("To", c.script.To)
	form.Set("CallStatus", "ringing")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backendURL+"/voice/inbound", strings.NewReader(form.Encode()))
	if err != nil {
		return telephony.Stream{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return telephony.Stream{}, fmt.Errorf("inbound webhook: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return telephony.Stream{}, fmt.Errorf("inbound webhook returned %d", resp.StatusCode)
	}

	var twiml telephony.Response
	if err := xml.Unmarshal(body, &twiml); err != nil {
		return telephony.Stream{}, fmt.Errorf("decode TwiML: %w", err)
	}
	if twiml.Connect == nil || twiml.Connect.Stream.URL == "" {
		return telephony.Stream{}, errors.New("call was not connected to a media stream")
	}
	return twiml.Connect.Stream, nil
}

// speak sends each burst as a tone followed by silence, in real time.
func (c *Caller) speak(ctx context.Context, conn *websocket.Conn, streamSID string, closed <-chan struct{}) (int, error) {
	silence := audio.EncodeMulaw(make([]int16, audio.FrameBytes))
	sent := 0

	send := func(frame []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return errStreamClosed
		default:
		}
		err := c.write(conn, map[string]any{
			"event":     "media",
			"streamSid": streamSID,
			"media":     map[string]string{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(frame)},
		})
		if err != nil {
			return err
		}
		sent++
		if c.pace > 0 {
			select {
			case <-time.After(c.pace):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	quiet := func(d time.Duration) error {
		for i := 0; i < int(d/frameInterval); i++ {
			if err := send(silence); err != nil {
				return err
			}
		}
		return nil
	}

	for i, length := range c.script.Utterances {
		tone := audio.EncodeMulaw(audio.Tone(300+float64(i)*40, length.Seconds(), audio.TelephonyRate, toneAmplitude))
		for _, frame := range audio.Frames(tone) {
			if err := send(frame); err != nil {
				return sent, err
			}
		}
		if err := quiet(c.script.Gap); err != nil {
			return sent, err
		}
	}
	return sent, quiet(c.script.Hold)
}

var errStreamClosed = errors.New("server closed the media stream")

// readLoop counts agent audio and echoes every mark, as Twilio does once the
// audio before it has played.
func (c *Caller) readLoop(conn *websocket.Conn, streamSID string) (received, echoed, clears int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Event string `json:"event"`
			Mark  *struct {
				Name string `json:"name"`
			} `json:"mark"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Event {
		case "media":
			received++
		case "clear":
			clears++
		case "mark":
			if msg.Mark == nil {
				continue
			}
			if c.write(conn, map[string]any{"event": "mark", "streamSid": streamSID, "mark": map[string]string{"name": msg.Mark.Name}}) == nil {
				echoed++
			}
		}
	}
}

func (c *Caller) write(conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
