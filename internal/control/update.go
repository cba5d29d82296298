// Package control is responsible for the control channel of the proxy.  It
// decodes update messages, turns them into typed updates and applies them to
// the routing table and the HTTPS listener one at a time.
package control

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ameshkov/vhostproxy/internal/routing"
)

// SelfKey is the reserved domain key of server-wide updates.
const SelfKey = "@"

// ErrMalformed is returned when an update or a message can't be parsed.
// Malformed updates are discarded without touching any state.
const ErrMalformed errors.Error = "malformed update"

// Payload field names.
const (
	fieldTarget   = "target"
	fieldRedirect = "redirect"
	fieldKey      = "key"
	fieldCert     = "cert"
)

// Update is a single parsed control update.  It is one of [DeleteDomain],
// [UpsertDomain], [SetServerCredential], or [ClearServerCredential].
type Update interface {
	// isUpdate is a marker method.
	isUpdate()
}

// DeleteDomain removes the record of a domain.
type DeleteDomain struct {
	Key string
}

// UpsertDomain creates or updates the record of a domain.
type UpsertDomain struct {
	Key    string
	Fields routing.Fields
}

// SetServerCredential replaces the server-wide credential and restarts the
// HTTPS listener with it.
type SetServerCredential struct {
	Credential *tls.Certificate
}

// ClearServerCredential clears the server-wide credential and stops the HTTPS
// listener.
type ClearServerCredential struct{}

// type check
var (
	_ Update = DeleteDomain{}
	_ Update = UpsertDomain{}
	_ Update = SetServerCredential{}
	_ Update = ClearServerCredential{}
)

func (DeleteDomain) isUpdate()          {}
func (UpsertDomain) isUpdate()          {}
func (SetServerCredential) isUpdate()   {}
func (ClearServerCredential) isUpdate() {}

// Parse converts a single key-value pair of a control message into an
// Update.  value is either nil or a map of string fields as produced by the
// decoders.  u is nil when the update is valid but has nothing to do, which
// is the case of a server-wide update without a complete key and certificate
// pair.  All errors returned by Parse wrap [ErrMalformed].
func Parse(key string, value any) (u Update, err error) {
	if key == "" {
		return nil, fmt.Errorf("control: empty domain key: %w", ErrMalformed)
	}

	if value == nil {
		if key == SelfKey {
			return ClearServerCredential{}, nil
		}

		return DeleteDomain{Key: key}, nil
	}

	payload, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("control: %q: payload of type %T: %w", key, value, ErrMalformed)
	}

	cred, err := parseCredential(payload)
	if err != nil {
		return nil, fmt.Errorf("control: %q: %w", key, err)
	}

	if key == SelfKey {
		if cred == nil {
			return nil, nil
		}

		return SetServerCredential{Credential: cred}, nil
	}

	f := routing.Fields{Credential: cred}

	target, err := stringField(payload, fieldTarget)
	if err != nil {
		return nil, fmt.Errorf("control: %q: %w", key, err)
	}

	if target != "" {
		f.Target, err = parseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("control: %q: %w", key, err)
		}
	}

	f.Redirect, err = stringField(payload, fieldRedirect)
	if err != nil {
		return nil, fmt.Errorf("control: %q: %w", key, err)
	}

	return UpsertDomain{Key: key, Fields: f}, nil
}

// parseCredential builds a TLS credential from the key and cert fields.  cred
// is nil if either of them is missing.
func parseCredential(payload map[string]any) (cred *tls.Certificate, err error) {
	keyPEM, err := stringField(payload, fieldKey)
	if err != nil {
		return nil, err
	}

	certPEM, err := stringField(payload, fieldCert)
	if err != nil {
		return nil, err
	}

	if keyPEM == "" || certPEM == "" {
		return nil, nil
	}

	c, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("bad key pair: %s: %w", err, ErrMalformed)
	}

	return &c, nil
}

// parseTarget parses the backend URL.  Only absolute http and https URLs are
// accepted.
func parseTarget(s string) (u *url.URL, err error) {
	u, err = url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("bad target: %s: %w", err, ErrMalformed)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("bad target scheme %q: %w", u.Scheme, ErrMalformed)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("target %q has no host: %w", s, ErrMalformed)
	}

	return u, nil
}

// stringField returns the string value of the named field.  Missing and nil
// fields are returned as empty strings.  Binary values are accepted since
// some msgpack encoders write strings that way.
func stringField(payload map[string]any, name string) (s string, err error) {
	switch v := payload[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("field %q of type %T: %w", name, v, ErrMalformed)
	}
}
