package protocol

// Magic is the handshake token (7 ASCII bytes plus the NUL terminator)
// the client writes immediately after connecting, and which the device
// echoes back in its handshake response.
const Magic = "bsdebug"

// MagicSize is the on-wire size of the magic token including the NUL.
const MagicSize = len(Magic) + 1

// HeaderSize is the common frame header:
// [4B packet_length][4B request_id][4B error_code or command_code],
// all little-endian.
const HeaderSize = 12

// DefaultControlPort is the TCP port of the device's debug control channel.
const DefaultControlPort = 8081

// DefaultTelnetPort is the TCP port of the device's fallback telnet shell.
const DefaultTelnetPort = 8085

// Command identifies a client request on the control channel.
type Command uint32

const (
	CmdStop        Command = 1
	CmdContinue    Command = 2
	CmdThreads     Command = 3
	CmdStackTrace  Command = 4
	CmdVariables   Command = 5
	CmdStep        Command = 6
	CmdExitChannel Command = 7
)

func (c Command) String() string {
	switch c {
	case CmdStop:
		return "stop"
	case CmdContinue:
		return "continue"
	case CmdThreads:
		return "threads"
	case CmdStackTrace:
		return "stacktrace"
	case CmdVariables:
		return "variables"
	case CmdStep:
		return "step"
	case CmdExitChannel:
		return "exitchannel"
	}
	return "unknown"
}

// ErrorCode is the device's per-frame status field.
type ErrorCode uint32

const (
	ErrcOK                   ErrorCode = 0
	ErrcOtherErr             ErrorCode = 1
	ErrcUndefined            ErrorCode = 2
	ErrcNotStopped           ErrorCode = 3
	ErrcCantContinue         ErrorCode = 4
	ErrcNotStoppedDuringStep ErrorCode = 5
	ErrcThreadDetached       ErrorCode = 6
	ErrcExecutionTimeout     ErrorCode = 7
	ErrcInvalidArgs          ErrorCode = 8
)

// UpdateType identifies an asynchronous frame (request_id == 0).
type UpdateType uint32

const (
	UpdateUndefined         UpdateType = 0
	UpdateIoPortOpened      UpdateType = 1
	UpdateAllThreadsStopped UpdateType = 2
	UpdateThreadAttached    UpdateType = 3
)

// StopReason explains why a thread is paused.
type StopReason uint8

const (
	StopReasonNotStopped    StopReason = 0
	StopReasonNormal        StopReason = 1
	StopReasonStopStatement StopReason = 2
	StopReasonBreak         StopReason = 3
	StopReasonRuntimeError  StopReason = 4
)

func (r StopReason) String() string {
	switch r {
	case StopReasonNotStopped:
		return "not stopped"
	case StopReasonNormal:
		return "normal"
	case StopReasonStopStatement:
		return "stop statement"
	case StopReasonBreak:
		return "break"
	case StopReasonRuntimeError:
		return "runtime error"
	}
	return "unknown"
}

// StepType selects the granularity of a Step request.
type StepType uint8

const (
	StepLine StepType = 1
	StepOver StepType = 2
	StepOut  StepType = 3
)

// Variables request flags.
const (
	VarFlagGetChildKeys uint8 = 0x01
)

// Variables response entry flags.
const (
	VarEntryContainer uint8 = 0x01
	VarEntryNamed     uint8 = 0x02
)

// VarType tags a variable entry's value encoding.
type VarType uint8

const (
	VarTypeNone   VarType = 0
	VarTypeBool   VarType = 1
	VarTypeInt    VarType = 2
	VarTypeString VarType = 3
)

// Threads response entry flags.
const (
	ThreadFlagPrimary uint8 = 0x01
)
