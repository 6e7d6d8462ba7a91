package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "ICE_SERVERS_JSON"

	envStunURLs       = "STUN_URLS"
	envTurnURLs       = "TURN_URLS"
	envTurnUsername   = "TURN_USERNAME"
	envTurnCredential = "TURN_CREDENTIAL"
)

var iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}

// defaultICEServers are the public STUN servers browser clients fall back to.
func defaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// iceServersFromEnv returns nil when no ICE variable is set. ICE_SERVERS_JSON
// takes precedence over the STUN/TURN convenience variables.
func iceServersFromEnv() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(os.Getenv(envICEServersJSON)); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	stunURLs, turnURLs := os.Getenv(envStunURLs), os.Getenv(envTurnURLs)
	if strings.TrimSpace(stunURLs+turnURLs) == "" {
		return nil, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, os.Getenv(envTurnUsername), os.Getenv(envTurnCredential))
}

// urlList is the RTCIceServer "urls" member, which browsers accept as a
// single string or a list. It is always written back as a list.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or a list of strings")
	}
	*u = many
	return nil
}

// iceServerEntry is the RTCIceServer shape used both for ICE_SERVERS_JSON and
// for the /ice-servers response body.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// entryFor renders a configured server for browsers.
func entryFor(server webrtc.ICEServer) iceServerEntry {
	entry := iceServerEntry{URLs: server.URLs, Username: server.Username}
	if cred, ok := server.Credential.(string); ok {
		entry.Credential = cred
	}
	return entry
}

// server trims the entry and checks it: every URL needs a STUN or TURN
// scheme, and TURN URLs need both a username and a credential.
func (e iceServerEntry) server() (webrtc.ICEServer, error) {
	urls := splitURLs(e.URLs)
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(e.Username)}
	credential := strings.TrimSpace(e.Credential)
	if credential != "" {
		server.Credential = credential
	}

	for _, url := range urls {
		scheme := iceScheme(url)
		if scheme == "" {
			return webrtc.ICEServer{}, fmt.Errorf("unsupported url scheme: %q", url)
		}
		if !strings.HasPrefix(scheme, "turn") {
			continue
		}
		if server.Username == "" {
			return webrtc.ICEServer{}, fmt.Errorf("%s requires a username", url)
		}
		if credential == "" {
			return webrtc.ICEServer{}, fmt.Errorf("%s requires a credential", url)
		}
	}
	return server, nil
}

// ParseICEServersJSON parses a JSON list of RTCIceServer objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server, err := entry.server()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitURLs(strings.Split(stunURLs, ",")); len(stun) > 0 {
		server, err := iceServerEntry{URLs: stun}.server()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitURLs(strings.Split(turnURLs, ",")); len(turn) > 0 {
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s and %s must be set with %s", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := iceServerEntry{URLs: turn, Username: turnUsername, Credential: turnCredential}.server()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// splitURLs trims each URL and drops blanks.
func splitURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if url = strings.TrimSpace(url); url != "" {
			out = append(out, url)
		}
	}
	return out
}

func iceScheme(url string) string {
	for _, scheme := range iceSchemes {
		if strings.HasPrefix(url, scheme) {
			return scheme
		}
	}
	return ""
}
