package telephony

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML renders a control document connecting the call to streamURL.
// Every non-empty param is attached as a stream parameter, which Twilio
// echoes back in the start frame's customParameters.
func StreamTwiML(streamURL string, params map[string]string) ([]byte, error) {
	names := make([]string, 0, len(params))
	for name, value := range params {
		if value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	for _, name := range names {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// MediaStreamURL derives the websocket URL of the media-stream endpoint from
// the public base URL of the relay.
func MediaStreamURL(publicURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicURL), "/"))
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("public url %q must be http(s) or ws(s)", publicURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("public url %q has no host", publicURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/media-stream"
	return u.String(), nil
}

// ControlURL is the control document URL for an outbound call, carrying the
// per-call overrides as query parameters.
func ControlURL(publicURL string, params map[string]string) string {
	q := url.Values{}
	for name, value := range params {
		if value != "" {
			q.Set(name, value)
		}
	}
	out := strings.TrimRight(publicURL, "/") + "/twiml"
	if enc := q.Encode(); enc != "" {
		out += "?" + enc
	}
	return out
}
