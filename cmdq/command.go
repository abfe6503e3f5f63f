// Package cmdq moves commands from the goroutines that receive them to
// the goroutine that owns the objects they address.
package cmdq

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/protocol"
)

type Type uint8

const (
	CmdNone Type = iota
	// master to peers: object id lives on the sending node
	CmdAnnounce
	// slave to master: subscribe at Version, reply with the state
	CmdMapRequest
	// master to slave: snapshot at Version in Body
	CmdMapReply
	CmdMapFailed
	// master to slaves: delta producing Version in Body
	CmdDelta
	CmdUnsubscribe
	// slave to master: local changes in Body
	CmdSlaveCommit
	// master to slaves: the object is gone
	CmdRelease
	// stops Serve; always queued at the front
	CmdExit
)

var typeNames = [...]string{
	CmdNone:        "none",
	CmdAnnounce:    "announce",
	CmdMapRequest:  "map-request",
	CmdMapReply:    "map-reply",
	CmdMapFailed:   "map-failed",
	CmdDelta:       "delta",
	CmdUnsubscribe: "unsubscribe",
	CmdSlaveCommit: "slave-commit",
	CmdRelease:     "release",
	CmdExit:        "exit",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("cmd%d", t)
}

// Command is one addressed operation. Queue names the destination queue
// on the receiving node; Node is the name of the sender.
type Command struct {
	Type    Type
	Queue   string
	Object  oid.ID
	Version oid.Version
	Node    string
	Body    []byte
}

var ErrBadCommand = errors.New("verso: malformed command")

const (
	litCommand = 'C'
	litType    = 'T'
	litQueue   = 'Q'
	litObject  = 'O'
	litVersion = 'V'
	litNode    = 'N'
	litBody    = 'B'
)

// Encode renders the command as one TLV record.
func (c *Command) Encode() []byte {
	return protocol.Record(litCommand,
		protocol.Record(litType, protocol.ZipUint64(uint64(c.Type))),
		protocol.Record(litQueue, []byte(c.Queue)),
		protocol.Record(litObject, c.Object[:]),
		protocol.Record(litVersion, protocol.ZipUint64(uint64(c.Version))),
		protocol.Record(litNode, []byte(c.Node)),
		protocol.Record(litBody, c.Body),
	)
}

// Decode parses a record made by Encode. Body aliases rec.
func Decode(rec []byte) (*Command, error) {
	body, rest, err := protocol.TakeWary(litCommand, rec)
	if err != nil {
		return nil, errors.Wrap(err, "command")
	}
	if len(rest) != 0 {
		return nil, errors.Wrap(ErrBadCommand, "trailing bytes")
	}
	var fields [6][]byte
	for i, lit := range []byte{litType, litQueue, litObject, litVersion, litNode, litBody} {
		fields[i], body, err = protocol.TakeWary(lit, body)
		if err != nil {
			return nil, errors.Wrapf(ErrBadCommand, "field %c: %v", lit, err)
		}
	}
	c := &Command{
		Type:    Type(protocol.UnzipUint64(fields[0])),
		Queue:   string(fields[1]),
		Version: oid.Version(protocol.UnzipUint64(fields[3])),
		Node:    string(fields[4]),
		Body:    fields[5],
	}
	if c.Object, err = oid.IDFromBytes(fields[2]); err != nil {
		return nil, errors.Wrap(ErrBadCommand, err.Error())
	}
	return c, nil
}

// In reads the body as typed fields.
func (c *Command) In() *protocol.InStream {
	return protocol.NewInStream(c.Body)
}

func (c *Command) String() string {
	return fmt.Sprintf("%s %s@%s q=%s from=%s body=%d",
		c.Type, c.Object.Short(), c.Version, c.Queue, c.Node, len(c.Body))
}
