// Package descriptor understands just enough of the common proxy share-link
// formats to find the host and port a node listens on. Everything else
// in a descriptor is opaque and passed through untouched.
package descriptor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrUnsupported     = errors.New("unsupported descriptor")
	ErrMissingEndpoint = errors.New("descriptor has no host:port")
)

// Endpoint is the reachable part of a descriptor.
type Endpoint struct {
	Protocol string
	Host     string
	Port     int
	Remarks  string
}

// Address returns host:port suitable for net.Dial.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Parse extracts the endpoint of a vmess, ss, trojan or other URL shaped
// descriptor.
func Parse(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	idx := strings.Index(s, "://")
	if idx <= 0 {
		return Endpoint{}, ErrUnsupported
	}
	scheme := strings.ToLower(s[:idx])
	body := s[idx+3:]

	var (
		ep  Endpoint
		err error
	)
	switch scheme {
	case "vmess":
		ep, err = parseVmess(body)
	case "ss":
		ep, err = parseShadowsocks(body)
	default:
		ep, err = parseURL(s)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s: %w", scheme, err)
	}
	ep.Protocol = scheme

	if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
		return Endpoint{}, fmt.Errorf("%s: %w", scheme, ErrMissingEndpoint)
	}
	return ep, nil
}

type vmessConfig struct {
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
	PS   string          `json:"ps"`
}

func parseVmess(body string) (Endpoint, error) {
	b, err := DecodeBase64(body)
	if err != nil {
		return Endpoint{}, err
	}
	var vc vmessConfig
	if err := json.Unmarshal(b, &vc); err != nil {
		return Endpoint{}, err
	}
	port := 443
	if len(vc.Port) > 0 {
		// the port shows up both as a number and as a string
		p, err := strconv.Atoi(strings.Trim(string(vc.Port), `" `))
		if err != nil {
			return Endpoint{}, fmt.Errorf("port %s: %w", vc.Port, err)
		}
		port = p
	}
	return Endpoint{Host: strings.TrimSpace(vc.Add), Port: port, Remarks: vc.PS}, nil
}

func parseShadowsocks(body string) (Endpoint, error) {
	var remarks string
	if i := strings.IndexByte(body, '#'); i >= 0 {
		remarks, _ = url.PathUnescape(body[i+1:])
		body = body[:i]
	}

	// SIP002: ss://base64(method:password)@host:port/?plugin
	if strings.Contains(body, "@") {
		ep, err := parseURL("ss://" + body)
		ep.Remarks = remarks
		return ep, err
	}

	// legacy: ss://base64(method:password@host:port)
	b, err := DecodeBase64(body)
	if err != nil {
		return Endpoint{}, err
	}
	decoded := string(b)
	at := strings.LastIndexByte(decoded, '@')
	if at < 0 {
		return Endpoint{}, ErrMissingEndpoint
	}
	ep, err := splitHostPort(decoded[at+1:])
	ep.Remarks = remarks
	return ep, err
}

func parseURL(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, err
	}
	if u.Port() == "" {
		return Endpoint{}, ErrMissingEndpoint
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: u.Hostname(), Port: port, Remarks: u.Fragment}, nil
}

func splitHostPort(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimRight(hostport, "/"))
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: host, Port: port}, nil
}

// DecodeBase64 accepts standard and URL alphabets with or without
// padding; share links in the wild use all four.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
