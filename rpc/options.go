package rpc

import (
	"log"

	"capnproto.org/go/capnp/v3"
)

// Logger receives diagnostic messages about protocol violations and
// otherwise-unreportable errors encountered while servicing a
// connection.
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// Options configures a Conn. The zero Options has no bootstrap
// capability (bootstrap messages are rejected) and logs to the
// standard logger.
type Options struct {
	// BootstrapClient is returned to the peer's Bootstrap message, if
	// any. NewConn takes ownership of this reference and releases it
	// when the Conn closes; pass client.AddRef() if the caller needs
	// to keep using it independently.
	BootstrapClient capnp.Client

	// Logger receives diagnostics. Defaults to a wrapper around the
	// standard library logger.
	Logger Logger

	// RemotePeerID, if non-empty, identifies the peer in three-party
	// handoff vat paths (Provide/Accept).
	RemotePeerID string
}

func (o *Options) logger() Logger {
	if o == nil || o.Logger == nil {
		return stdLogger{}
	}
	return o.Logger
}

func (o *Options) bootstrap() capnp.Client {
	if o == nil {
		return capnp.Client{}
	}
	return o.BootstrapClient
}

type stdLogger struct{}

func (stdLogger) Infof(format string, args ...any)  { log.Printf(format, args...) }
func (stdLogger) Errorf(format string, args ...any) { log.Printf(format, args...) }
