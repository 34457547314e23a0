package telephony

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Response is a TwiML document. Verbs render in field order.
type Response struct {
	XMLName xml.Name  `xml:"Response"`
	Say     *Say      `xml:"Say,omitempty"`
	Connect *Connect  `xml:"Connect,omitempty"`
	Dial    *Dial     `xml:"Dial,omitempty"`
	Record  *Record   `xml:"Record,omitempty"`
	Hangup  *struct{} `xml:"Hangup,omitempty"`
}

type Say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type Connect struct {
	Stream Stream `xml:"Stream"`
}

type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type Dial struct {
	Action  string `xml:"action,attr,omitempty"`
	Timeout int    `xml:"timeout,attr,omitempty"`
	Number  Number `xml:"Number"`
}

type Number struct {
	StatusCallbackEvent string `xml:"statusCallbackEvent,attr,omitempty"`
	StatusCallback      string `xml:"statusCallback,attr,omitempty"`
	Value               string `xml:",chardata"`
}

type Record struct {
	Action    string `xml:"action,attr,omitempty"`
	MaxLength int    `xml:"maxLength,attr,omitempty"`
	PlayBeep  bool   `xml:"playBeep,attr"`
}

// Render serializes r with the XML header.
func Render(r Response) (string, error) {
	out, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// WriteTwiML answers a Twilio webhook with r.
func WriteTwiML(w http.ResponseWriter, r Response) {
	body, err := Render(r)
	if err != nil {
		http.Error(w, "failed to render twiml", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// StreamTwiML connects the call's media to the stream endpoint, tagging it
// with the session's call ID.
func StreamTwiML(streamURL, callID string) Response {
	return Response{Connect: &Connect{Stream: Stream{
		URL:        streamURL,
		Parameters: []Parameter{{Name: "call_id", Value: callID}},
	}}}
}

// TransferTwiML speaks message and dials to. The Dial action reports the
// final dial status; the Number callback reports the answer.
func TransferTwiML(publicURL, callID, to, message string) Response {
	statusURL := callbackURL(publicURL, "/voice/transfer-status", callID)
	r := Response{Dial: &Dial{
		Action:  statusURL,
		Timeout: 25,
		Number: Number{
			StatusCallbackEvent: "answered",
			StatusCallback:      statusURL + "&leg=number",
			Value:               to,
		},
	}}
	if message != "" {
		r.Say = &Say{Text: message}
	}
	return r
}

// VoicemailTwiML speaks prompt and records the caller.
func VoicemailTwiML(publicURL, callID, prompt string) Response {
	return Response{
		Say: &Say{Text: prompt},
		Record: &Record{
			Action:    callbackURL(publicURL, "/voice/recording", callID),
			MaxLength: 120,
			PlayBeep:  true,
		},
		Hangup: &struct{}{},
	}
}

// HangupTwiML optionally speaks message, then hangs up.
func HangupTwiML(message string) Response {
	r := Response{Hangup: &struct{}{}}
	if message != "" {
		r.Say = &Say{Text: message}
	}
	return r
}

func callbackURL(publicURL, path, callID string) string {
	return strings.TrimRight(publicURL, "/") + path + "?call_id=" + url.QueryEscape(callID)
}

// StreamURL derives the media stream websocket URL from a public base URL.
func StreamURL(publicURL string) string {
	u := strings.TrimRight(publicURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/voice/stream"
}

// PublicURL returns the configured base URL, or one derived from the request
// host, preferring X-Forwarded-Host.
func PublicURL(configured string, r *http.Request) string {
	if configured != "" {
		return configured
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return "https://" + host
}
