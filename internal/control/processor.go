package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/vhostproxy/internal/routing"
)

// ErrListener is wrapped by the errors that happen when the HTTPS listener
// can't be started or stopped.  These errors must not be ignored since the
// proxy is left without an HTTPS socket.
const ErrListener errors.Error = "https listener failure"

// ServerListener is the HTTPS listener controlled by server-wide updates.
type ServerListener interface {
	// Start (re)starts the listener with cred as the server-wide credential.
	Start(cred *tls.Certificate) (err error)

	// Stop stops the listener and clears the server-wide credential.
	Stop() (err error)
}

// Processor applies control updates.  It is the only writer of the routing
// table and the server-wide credential.  Its methods must not be called
// concurrently.
type Processor struct {
	table    *routing.Table
	listener ServerListener
}

// NewProcessor creates a new *Processor.
func NewProcessor(table *routing.Table, listener ServerListener) (p *Processor) {
	return &Processor{
		table:    table,
		listener: listener,
	}
}

// Apply applies a single update.  The only errors it returns are listener
// failures, they wrap [ErrListener].
func (p *Processor) Apply(u Update) (err error) {
	switch u := u.(type) {
	case UpsertDomain:
		r := p.table.Upsert(u.Key, u.Fields)
		log.Debug(
			"control: updated %s: route %s, credential %t",
			u.Key,
			r.Route.Mode,
			r.Credential != nil,
		)
	case DeleteDomain:
		if p.table.Remove(u.Key) {
			log.Debug("control: removed %s", u.Key)
		}
	case SetServerCredential:
		log.Info("control: restarting https listener with a new server credential")
		if err = p.listener.Start(u.Credential); err != nil {
			return fmt.Errorf("control: starting listener: %s: %w", err, ErrListener)
		}
	case ClearServerCredential:
		log.Info("control: stopping https listener")
		if err = p.listener.Stop(); err != nil {
			return fmt.Errorf("control: stopping listener: %s: %w", err, ErrListener)
		}
	case nil:
		// Nothing to do.
	default:
		log.Error("control: unexpected update type %T", u)
	}

	return nil
}

// ApplyMessage parses and applies all entries of msg in order.  Malformed
// entries are logged and skipped, the rest of the message is still applied.
func (p *Processor) ApplyMessage(msg Message) (err error) {
	for _, e := range msg {
		var u Update
		u, err = Parse(e.Key, e.Value)
		if err != nil {
			log.Error("control: discarding update: %s", err)

			continue
		}

		if u == nil {
			log.Debug("control: ignoring incomplete update for %s", e.Key)

			continue
		}

		if err = p.Apply(u); err != nil {
			return err
		}
	}

	return nil
}

// Run reads messages from dec and applies them until the stream is over, the
// context is canceled, or the listener fails.  A finished stream is not an
// error.
func (p *Processor) Run(ctx context.Context, dec Decoder) (err error) {
	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		var msg Message
		msg, err = dec.Decode()
		switch {
		case err == nil:
			// Go on.
		case errors.Is(err, io.EOF):
			log.Info("control: control stream is over")

			return nil
		case errors.Is(err, ErrMalformed):
			log.Error("control: discarding message: %s", err)

			continue
		default:
			return err
		}

		if err = p.ApplyMessage(msg); err != nil {
			return err
		}

		log.Debug("control: applied message, %d domains in the table", p.table.Len())
	}
}
