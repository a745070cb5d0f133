package webrtc

import (
	"fmt"
	"strconv"
	"strings"
)

// Candidate is a parsed ICE candidate attribute line.
type Candidate struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	Address    string
	Port       int
	Type       string
	Raw        string
}

var candidateTypes = map[string]bool{
	"host": true, "srflx": true, "prflx": true, "relay": true,
}

// ParseCandidate parses an ICE candidate line as defined by RFC 5245 section
// 15.1, with or without the leading "candidate:" prefix. Clients send these
// verbatim from the browser, so every field is validated before the line is
// handed to the peer connection.
func ParseCandidate(line string) (Candidate, error) {
	raw := strings.TrimSpace(line)
	s := strings.TrimPrefix(raw, "candidate:")
	if s == "" {
		return Candidate{}, fmt.Errorf("webrtc: empty candidate")
	}

	fields := strings.Fields(s)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("webrtc: candidate has %d fields, want at least 8", len(fields))
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil || component < 1 || component > 256 {
		return Candidate{}, fmt.Errorf("webrtc: bad component %q", fields[1])
	}

	protocol := strings.ToLower(fields[2])
	if protocol != "udp" && protocol != "tcp" {
		return Candidate{}, fmt.Errorf("webrtc: unknown transport %q", fields[2])
	}

	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("webrtc: bad priority %q", fields[3])
	}

	port, err := strconv.Atoi(fields[5])
	if err != nil || port < 0 || port > 65535 {
		return Candidate{}, fmt.Errorf("webrtc: bad port %q", fields[5])
	}

	if fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("webrtc: expected typ keyword, got %q", fields[6])
	}
	typ := fields[7]
	if !candidateTypes[typ] {
		return Candidate{}, fmt.Errorf("webrtc: unknown candidate type %q", typ)
	}

	return Candidate{
		Foundation: fields[0],
		Component:  component,
		Protocol:   protocol,
		Priority:   uint32(priority),
		Address:    fields[4],
		Port:       port,
		Type:       typ,
		Raw:        raw,
	}, nil
}
