package vsmtp

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Parser errors.
var (
	// ErrEmptyCommand indicates an empty command line.
	ErrEmptyCommand = errors.New("empty command")

	// ErrUnknownCommand indicates an unrecognized verb.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMissingArgument indicates a required argument is missing.
	ErrMissingArgument = errors.New("missing required argument")

	// ErrUnexpectedArgument indicates an argument on a bare verb.
	ErrUnexpectedArgument = errors.New("unexpected argument")

	// ErrBadPath indicates a malformed reverse-path or forward-path.
	ErrBadPath = errors.New("malformed path")

	// ErrBadAddress indicates an invalid mailbox address inside a path.
	ErrBadAddress = errors.New("invalid address")

	// ErrBadDomain indicates an invalid EHLO/HELO domain.
	ErrBadDomain = errors.New("invalid domain")
)

// ParseError wraps a parser error with the offending input.
type ParseError struct {
	Err     error
	Input   string
	Context string
}

func (e *ParseError) Error() string {
	if e.Context != "" {
		return e.Err.Error() + ": " + e.Context
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseCommand parses one command line (CRLF already stripped by the I/O
// adapter). The verb is recognized case-insensitively; argument presence is
// validated against the verb; ESMTP parameters of MAIL and RCPT are split
// into Command.Params.
func ParseCommand(line []byte) (*Command, error) {
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return nil, &ParseError{Err: ErrEmptyCommand}
	}

	verbPart, argPart := splitVerb(line)
	verb := ParseVerb(string(verbPart))
	if verb == VerbUnknown {
		return nil, &ParseError{Err: ErrUnknownCommand, Input: string(line), Context: string(verbPart)}
	}

	arg := strings.TrimSpace(string(argPart))
	if verbNeedsArgument(verb) && arg == "" {
		return nil, &ParseError{Err: ErrMissingArgument, Context: verb.String() + " requires an argument"}
	}
	if verbForbidsArgument(verb) && arg != "" {
		return nil, &ParseError{Err: ErrUnexpectedArgument, Context: verb.String() + " takes no argument"}
	}

	cmd := &Command{
		Verb:     verb,
		Raw:      string(line),
		Argument: arg,
	}
	if verb == VerbMAIL || verb == VerbRCPT {
		cmd.Params = parseESMTPParams(arg)
	}
	return cmd, nil
}

// splitVerb splits a line at the first space. MAIL FROM and RCPT TO keep
// "FROM:..." / "TO:..." in the argument part.
func splitVerb(line []byte) (verb, arg []byte) {
	if idx := bytes.IndexByte(line, ' '); idx != -1 {
		return line[:idx], line[idx+1:]
	}
	return line, nil
}

// parseESMTPParams extracts key=value pairs after the closing '>' of a path.
// Keys are uppercased; a keyword without '=' maps to the empty string.
func parseESMTPParams(arg string) map[string]string {
	end := strings.IndexByte(arg, '>')
	if end == -1 {
		return nil
	}
	rest := strings.TrimSpace(arg[end+1:])
	if rest == "" {
		return nil
	}
	params := make(map[string]string)
	for _, part := range strings.Fields(rest) {
		if eq := strings.IndexByte(part, '='); eq != -1 {
			params[strings.ToUpper(part[:eq])] = part[eq+1:]
		} else {
			params[strings.ToUpper(part)] = ""
		}
	}
	return params
}

// Path is a parsed reverse-path or forward-path.
type Path struct {
	// Address is the mailbox in local@domain form, with the domain
	// normalized to its ASCII (punycode) representation.
	Address string

	// IsNull marks the null reverse-path <>, used by bounces. Only MAIL
	// FROM may carry it.
	IsNull bool
}

func (p Path) String() string {
	if p.IsNull {
		return "<>"
	}
	return "<" + p.Address + ">"
}

// ParsePath parses the path argument of MAIL or RCPT. prefix is "FROM" or
// "TO"; allowNull permits the null path (MAIL only). ESMTP parameters after
// the closing bracket are ignored here; the command parser collects them.
func ParsePath(arg, prefix string, allowNull bool) (Path, error) {
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, prefix+":") {
		return Path{}, &ParseError{Err: ErrBadPath, Input: arg, Context: "expected " + prefix + ":"}
	}
	rest := strings.TrimSpace(arg[len(prefix)+1:])

	if !strings.HasPrefix(rest, "<") {
		return Path{}, &ParseError{Err: ErrBadPath, Input: rest, Context: "path must start with '<'"}
	}
	end := strings.IndexByte(rest, '>')
	if end == -1 {
		return Path{}, &ParseError{Err: ErrBadPath, Input: rest, Context: "path must end with '>'"}
	}
	inner := rest[1:end]

	if inner == "" {
		if !allowNull {
			return Path{}, &ParseError{Err: ErrBadAddress, Context: "null path not permitted here"}
		}
		return Path{IsNull: true}, nil
	}

	// Source routes (@a,@b:user@dom) are obsolete; strip and ignore them.
	if strings.HasPrefix(inner, "@") {
		if colon := strings.IndexByte(inner, ':'); colon != -1 {
			inner = inner[colon+1:]
		}
	}

	addr, err := normalizeAddress(inner)
	if err != nil {
		return Path{}, err
	}
	return Path{Address: addr}, nil
}

// normalizeAddress validates local@domain and converts the domain to its
// ASCII form so queue files and policy rules see one spelling per mailbox.
func normalizeAddress(addr string) (string, error) {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return "", &ParseError{Err: ErrBadAddress, Input: addr}
	}
	local, domain := addr[:at], addr[at+1:]

	// Address literals ([1.2.3.4], [IPv6:...]) pass through untouched.
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		return local + "@" + domain, nil
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", &ParseError{Err: ErrBadAddress, Input: addr, Context: err.Error()}
	}
	return local + "@" + ascii, nil
}

// ParseHeloDomain validates the EHLO/HELO argument and returns it with any
// unicode labels converted to ASCII. Address literals are accepted as-is.
func ParseHeloDomain(arg string) (string, error) {
	domain := strings.TrimSpace(arg)
	if domain == "" {
		return "", &ParseError{Err: ErrMissingArgument, Context: "domain required"}
	}
	if strings.HasPrefix(domain, "[") {
		if !strings.HasSuffix(domain, "]") {
			return "", &ParseError{Err: ErrBadDomain, Input: domain, Context: "unterminated address literal"}
		}
		return domain, nil
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", &ParseError{Err: ErrBadDomain, Input: domain, Context: err.Error()}
	}
	return ascii, nil
}

// parseSizeParam reads the SIZE=n ESMTP parameter, returning 0 when absent.
func parseSizeParam(params map[string]string) (int64, error) {
	raw, ok := params["SIZE"]
	if !ok || raw == "" {
		return 0, nil
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0, &ParseError{Err: ErrUnexpectedArgument, Input: raw, Context: "SIZE must be a non-negative integer"}
	}
	return size, nil
}

// isDataTerminator reports whether a body line (CRLF stripped) is the
// end-of-data marker.
func isDataTerminator(line []byte) bool {
	return len(line) == 1 && line[0] == '.'
}

// unstuffDataLine removes the transparency dot: a body line transmitted
// with a leading dot had one prepended by the client.
func unstuffDataLine(line []byte) []byte {
	if len(line) > 0 && line[0] == '.' {
		return line[1:]
	}
	return line
}
