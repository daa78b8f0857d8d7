package sshtransport

// SSH transport-layer message numbers this engine needs to recognize,
// RFC 4253 section 12 / RFC 5656 section 7.1. Everything else is opaque
// payload as far as the engine is concerned and is simply queued for
// PacketGet.
const (
	MsgDisconnect   = 1
	MsgIgnore       = 2
	MsgUnimplemented = 3
	MsgDebug        = 4
	MsgKexInit      = 20
	MsgNewKeys      = 21
	MsgKexECDHInit  = 30
	MsgKexECDHReply = 31
)
