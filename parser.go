package osprey

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a canonical SMTP verb.
type Command string

const (
	CmdHelo     Command = "HELO"
	CmdEhlo     Command = "EHLO"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdRset     Command = "RSET"
	CmdVrfy     Command = "VRFY"
	CmdExpn     Command = "EXPN"
	CmdHelp     Command = "HELP"
	CmdNoop     Command = "NOOP"
	CmdQuit     Command = "QUIT"
	CmdAuth     Command = "AUTH"
	CmdStartTLS Command = "STARTTLS"
)

// parseCommand splits a command line into verb and arguments.
func parseCommand(line string) (cmd Command, args string, err error) {
	before, after, found := strings.Cut(line, " ")
	if !found {
		cmd, err := canonicalizeVerb(before)
		return cmd, "", err
	}
	cmd, err = canonicalizeVerb(before)
	return cmd, strings.TrimSpace(after), err
}

// canonicalizeVerb maps a raw verb to its Command without allocating.
func canonicalizeVerb(verb string) (Command, error) {
	switch len(verb) {
	case 4:
		for _, c := range [...]Command{
			CmdHelo, CmdEhlo, CmdMail, CmdRcpt, CmdData, CmdRset,
			CmdVrfy, CmdExpn, CmdHelp, CmdNoop, CmdQuit, CmdAuth,
		} {
			if strings.EqualFold(verb, string(c)) {
				return c, nil
			}
		}
	case 8:
		if strings.EqualFold(verb, string(CmdStartTLS)) {
			return CmdStartTLS, nil
		}
	}
	return "", fmt.Errorf("unknown command: %s", verb)
}

// parsePathWithParams parses an angle-bracketed address path followed by
// optional ESMTP parameters. Duplicate parameters are rejected.
func parsePathWithParams(s string) (Path, map[string]string, error) {
	start := strings.IndexByte(s, '<')
	end := strings.IndexByte(s, '>')
	if start == -1 || end == -1 || end < start {
		return Path{}, nil, errors.New("missing angle brackets")
	}

	address := s[start+1 : end]
	paramStr := strings.TrimSpace(s[end+1:])

	var path Path
	if address != "" {
		// RFC 5321 source routes ("@a,@b:user@c") are obsolete; accept
		// and discard the route part.
		if address[0] == '@' {
			if idx := strings.IndexByte(address, ':'); idx >= 0 {
				address = address[idx+1:]
			}
		}
		addr, err := ParseAddress(address)
		if err != nil {
			return Path{}, nil, fmt.Errorf("invalid address: %w", err)
		}
		path = Path{Mailbox: addr}
	}

	var params map[string]string
	if paramStr != "" {
		params = make(map[string]string)
		for _, param := range strings.Fields(paramStr) {
			key, value, _ := strings.Cut(param, "=")
			key = strings.ToUpper(key)
			if _, exists := params[key]; exists {
				return Path{}, nil, fmt.Errorf("duplicate parameter: %s", key)
			}
			params[key] = value
		}
	}

	return path, params, nil
}
