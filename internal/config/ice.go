package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MESHCONF_ICE_SERVERS_JSON"

	envStunURLs       = "MESHCONF_STUN_URLS"
	envTurnURLs       = "MESHCONF_TURN_URLS"
	envTurnUsername   = "MESHCONF_TURN_USERNAME"
	envTurnCredential = "MESHCONF_TURN_CREDENTIAL"
)

// parseICEServersFromValues resolves the ICE server list, with the JSON
// form taking precedence over the convenience vars.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

// iceServerSpec mirrors one entry of the RTCIceServer JSON shape. urls may
// be a single string or an array of strings, as in the browser API.
type iceServerSpec struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (s iceServerSpec) urlList() ([]string, error) {
	raw := bytes.TrimSpace(s.URLs)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var many []string
		err := json.Unmarshal(raw, &many)
		return many, err
	}
	var one string
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []string{one}, nil
}

// ParseICEServersJSON parses an RTCIceServer-shaped JSON array into pion's
// ICE server list.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var specs []iceServerSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(specs))
	for i, spec := range specs {
		urls, err := spec.urlList()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d].urls: %w", i, err)
		}

		server := webrtc.ICEServer{Username: strings.TrimSpace(spec.Username)}
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				server.URLs = append(server.URLs, u)
			}
		}
		if strings.TrimSpace(spec.Credential) != "" {
			server.Credential = spec.Credential
		}

		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv assembles the ICE server list from the
// comma-separated STUN and TURN convenience vars.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitURLList(stunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	turn := splitURLList(turnURLs)
	if len(turn) == 0 {
		return servers, nil
	}

	user := strings.TrimSpace(turnUsername)
	cred := strings.TrimSpace(turnCredential)
	if user == "" || cred == "" {
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	server := webrtc.ICEServer{URLs: turn, Username: user, Credential: cred}
	if err := checkICEServer(server); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, server), nil
}

func splitURLList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// checkICEServer validates the url schemes and the TURN credential pairing.
func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, u := range server.URLs {
		switch iceScheme(u) {
		case "stun", "stuns":
		case "turn", "turns":
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !turn {
		return nil
	}

	if strings.TrimSpace(server.Username) == "" {
		return errors.New("turn urls require username")
	}
	cred, _ := server.Credential.(string)
	if strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

func iceScheme(u string) string {
	scheme, _, ok := strings.Cut(u, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
