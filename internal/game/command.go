package game

import (
	"slices"

	"github.com/udisondev/ttdnet/internal/protocol"
)

// CommandPacket is one game command travelling through the lockstep queue.
type CommandPacket struct {
	Company  CompanyID // company executing the command
	Frame    uint32    // frame the command executes in
	MyCmd    bool      // issued by this client
	Cmd      uint16    // command being executed
	ErrMsg   uint16    // string of the error message to show on failure
	Callback uint8     // index of the completion callback, 0 is none
	Data     []byte    // opaque command parameters

	// ClientID is the client the command came from; server side only.
	ClientID ClientID
}

// sendCommand writes the fields a client sends.
func sendCommand(p *protocol.Packet, cp *CommandPacket) {
	p.SendUint8(uint8(cp.Company))
	p.SendUint16(cp.Cmd)
	p.SendUint16(cp.ErrMsg)
	p.SendBuffer(cp.Data)
	p.SendUint8(cp.Callback)
}

func recvCommand(p *protocol.Packet) *CommandPacket {
	return &CommandPacket{
		Company:  CompanyID(p.RecvUint8()),
		Cmd:      p.RecvUint16(),
		ErrMsg:   p.RecvUint16(),
		Data:     p.RecvBuffer(),
		Callback: p.RecvUint8(),
	}
}

// CommandQueue keeps commands ordered by execution frame. Commands of the same
// frame keep the order they were added in, which is the order the server
// assigned them.
type CommandQueue struct {
	items []*CommandPacket
}

// Append inserts cp after every queued command with a frame not later than its own.
func (q *CommandQueue) Append(cp *CommandPacket) {
	i := len(q.items)
	for i > 0 && q.items[i-1].Frame > cp.Frame {
		i--
	}
	q.items = slices.Insert(q.items, i, cp)
}

// PopFront removes and returns the first command, or nil.
func (q *CommandQueue) PopFront() *CommandPacket {
	if len(q.items) == 0 {
		return nil
	}
	cp := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return cp
}

// PopFrame removes and returns, in order, every command due at or before frame.
func (q *CommandQueue) PopFrame(frame uint32) []*CommandPacket {
	n := 0
	for n < len(q.items) && q.items[n].Frame <= frame {
		n++
	}
	if n == 0 {
		return nil
	}
	due := slices.Clone(q.items[:n])
	q.items = slices.Delete(q.items, 0, n)
	return due
}

// Peek returns the first command without removing it.
func (q *CommandQueue) Peek() *CommandPacket {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *CommandQueue) Len() int { return len(q.items) }

// Free drops every queued command.
func (q *CommandQueue) Free() { q.items = nil }
