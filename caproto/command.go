package caproto

import "strconv"

// Command is the CA message command code.
type Command uint16

// CA command codes.
const (
	CmdVersion          Command = 0
	CmdEventAdd         Command = 1
	CmdEventCancel      Command = 2
	CmdRead             Command = 3
	CmdWrite            Command = 4
	CmdSnapshot         Command = 5
	CmdSearch           Command = 6
	CmdBuild            Command = 7
	CmdEventsOff        Command = 8
	CmdEventsOn         Command = 9
	CmdReadSync         Command = 10
	CmdError            Command = 11
	CmdClearChannel     Command = 12
	CmdRsrvIsUp         Command = 13
	CmdNotFound         Command = 14
	CmdReadNotify       Command = 15
	CmdReadBuild        Command = 16
	CmdRepeaterConfirm  Command = 17
	CmdCreateChan       Command = 18
	CmdWriteNotify      Command = 19
	CmdClientName       Command = 20
	CmdHostName         Command = 21
	CmdAccessRights     Command = 22
	CmdEcho             Command = 23
	CmdRepeaterRegister Command = 24
	CmdSignal           Command = 25
	CmdCreateChFail     Command = 26
	CmdServerDisconn    Command = 27

	// CmdLast is the highest command code defined by the protocol.
	CmdLast = CmdServerDisconn
)

var commandNames = [...]string{
	CmdVersion:          "version",
	CmdEventAdd:         "event.add",
	CmdEventCancel:      "event.cancel",
	CmdRead:             "read",
	CmdWrite:            "write",
	CmdSnapshot:         "snapshot",
	CmdSearch:           "search",
	CmdBuild:            "build",
	CmdEventsOff:        "events.off",
	CmdEventsOn:         "events.on",
	CmdReadSync:         "read.sync",
	CmdError:            "error",
	CmdClearChannel:     "clear.channel",
	CmdRsrvIsUp:         "beacon",
	CmdNotFound:         "not.found",
	CmdReadNotify:       "read.notify",
	CmdReadBuild:        "read.build",
	CmdRepeaterConfirm:  "repeater.confirm",
	CmdCreateChan:       "create.chan",
	CmdWriteNotify:      "write.notify",
	CmdClientName:       "client.name",
	CmdHostName:         "host.name",
	CmdAccessRights:     "access.rights",
	CmdEcho:             "echo",
	CmdRepeaterRegister: "repeater.register",
	CmdSignal:           "signal",
	CmdCreateChFail:     "create.ch.fail",
	CmdServerDisconn:    "server.disconn",
}

// String returns the command name.
func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}

	return "undefined(" + strconv.Itoa(int(c)) + ")"
}

// IsValid reports whether c is a command code defined by the protocol.
func (c Command) IsValid() bool {
	return c <= CmdLast
}

// MsgInfo returns structured logging key/values describing a header, prefixed with keyValues.
func MsgInfo(h Header, keyValues ...any) []any {
	info := []any{
		"cmd", h.Command.String(),
		"size", h.PayloadSize,
		"type", h.DataType,
		"count", h.Count,
		"cid", h.CID,
		"avail", h.Available,
	}

	result := make([]any, 0, len(keyValues)+len(info))
	result = append(result, keyValues...)
	result = append(result, info...)

	return result
}
