package quicapi

import (
	"encoding/binary"

	"github.com/cloudflare/quicapi/operation"
	"github.com/cloudflare/quicapi/status"
	"github.com/cloudflare/quicapi/streamstate"
)

// Param identifies a gettable/settable value (spec §6 "parameter get/set
// ... global params use null handle; any other level uses the matching
// handle kind"). The concrete set of parameters is implementation-defined
// by spec.md's own admission; these are the ones this module actually
// backs.
type Param uint32

const (
	// ParamGlobalPartitionCount is a global, read-only param: the number
	// of worker partitions the Engine was constructed with.
	ParamGlobalPartitionCount Param = iota
	// ParamConnIdleTimeoutMs is settable and gettable on a connection
	// handle at any time. The value is only stored and reported back; it
	// is not applied to the transport.
	ParamConnIdleTimeoutMs
	// ParamConnStreamCount is a read-only connection param: the number of
	// streams currently open on the connection.
	ParamConnStreamCount
	// ParamStreamSendEnabled is a read-only stream param mirroring
	// streamstate.SendEnabled.
	ParamStreamSendEnabled
)

// processParam dispatches a GetParam/SetParam operation whose handle
// resolved to this connection or one of its streams (global params never
// reach here — the dispatcher answers those synchronously without
// enqueueing, since they touch no connection's state).
func (c *Connection) processParam(op *operation.Operation) {
	if op.Param == nil {
		return
	}
	p := op.Param
	switch v := p.Handle.(type) {
	case *Connection:
		c.processConnParam(op.Type, p)
	case *Stream:
		c.processStreamParam(op.Type, p, v)
	}
}

func (c *Connection) processConnParam(t operation.Type, p *operation.ParamOp) {
	switch Param(p.Param) {
	case ParamConnIdleTimeoutMs:
		if t == operation.TypeSetParam {
			if len(p.Buffer) < 8 {
				setParamStatus(p, status.InvalidParameter)
				return
			}
			c.idleTimeoutMs = binary.LittleEndian.Uint64(p.Buffer)
			setParamStatus(p, status.Success)
			return
		}
		writeParamUint64(p, c.idleTimeoutMs)
	case ParamConnStreamCount:
		if t != operation.TypeGetParam {
			setParamStatus(p, status.InvalidParameter)
			return
		}
		c.mu.Lock()
		n := len(c.streams)
		c.mu.Unlock()
		writeParamUint64(p, uint64(n))
	default:
		setParamStatus(p, status.InvalidParameter)
	}
}

func (c *Connection) processStreamParam(t operation.Type, p *operation.ParamOp, s *Stream) {
	switch Param(p.Param) {
	case ParamStreamSendEnabled:
		if t != operation.TypeGetParam {
			setParamStatus(p, status.InvalidParameter)
			return
		}
		var v uint64
		if s.state.Has(streamstate.SendEnabled) {
			v = 1
		}
		writeParamUint64(p, v)
	default:
		setParamStatus(p, status.InvalidParameter)
	}
}

func setParamStatus(p *operation.ParamOp, code status.Code) {
	if p.OutStatus != nil {
		*p.OutStatus = int(code)
	}
}

func writeParamUint64(p *operation.ParamOp, v uint64) {
	if len(p.Buffer) < 8 {
		setParamStatus(p, status.BufferTooSmall)
		return
	}
	binary.LittleEndian.PutUint64(p.Buffer, v)
	setParamStatus(p, status.Success)
}
